// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/core/value"
	"github.com/localdevkit/ldk/internal/engine/table"
	"github.com/localdevkit/ldk/internal/wire"
)

// tablePrefix is the target-header prefix of the table service.
const tablePrefix = "DynamoDB_20120810"

type keyElement struct {
	AttributeName string `json:"AttributeName"`
	KeyType       string `json:"KeyType"`
}

type attributeDefinition struct {
	AttributeName string `json:"AttributeName"`
	AttributeType string `json:"AttributeType"`
}

type indexDefinition struct {
	IndexName string       `json:"IndexName"`
	KeySchema []keyElement `json:"KeySchema"`
}

type streamSpecification struct {
	StreamEnabled  bool   `json:"StreamEnabled"`
	StreamViewType string `json:"StreamViewType,omitempty"`
}

type tableDescription struct {
	TableName   string               `json:"TableName"`
	KeySchema   []keyElement         `json:"KeySchema"`
	ItemCount   int                  `json:"ItemCount"`
	TableStatus string               `json:"TableStatus"`
	StreamSpec  *streamSpecification `json:"StreamSpecification,omitempty"`
}

// newTableAdapter wires the table engine into the JSON target
// dialect.
func newTableAdapter(engine *table.Engine) *targetMux {
	m := newTargetMux(tablePrefix)

	m.handle("CreateTable", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName            string                `json:"TableName"`
			KeySchema            []keyElement          `json:"KeySchema"`
			AttributeDefinitions []attributeDefinition `json:"AttributeDefinitions"`
			GlobalIndexes        []indexDefinition     `json:"GlobalSecondaryIndexes"`
			StreamSpecification  *streamSpecification  `json:"StreamSpecification"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		types := make(map[string]string, len(req.AttributeDefinitions))
		for _, def := range req.AttributeDefinitions {
			types[def.AttributeName] = def.AttributeType
		}
		spec := table.Spec{Name: req.TableName}
		var err error
		spec.Key, err = keySchemaOf(req.KeySchema, types)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, idx := range req.GlobalIndexes {
			key, err := keySchemaOf(idx.KeySchema, types)
			if err != nil {
				return nil, errors.Trace(err)
			}
			spec.Indexes = append(spec.Indexes, table.IndexSchema{
				Name: idx.IndexName,
				Key:  key,
			})
		}
		if req.StreamSpecification != nil && req.StreamSpecification.StreamEnabled {
			view, ok := changestream.ParseView(req.StreamSpecification.StreamViewType)
			if !ok {
				return nil, errors.NotValidf("stream view %q", req.StreamSpecification.StreamViewType)
			}
			spec.StreamEnabled = true
			spec.StreamView = view
		}
		if err := engine.Create(spec); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"TableDescription": describeTable(req.TableName, spec, 0),
		}, nil
	})

	m.handle("DeleteTable", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName string `json:"TableName"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Destroy(req.TableName); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"TableDescription": map[string]string{
				"TableName":   req.TableName,
				"TableStatus": "DELETING",
			},
		}, nil
	})

	m.handle("ListTables", func(r *http.Request) (interface{}, error) {
		return map[string]interface{}{"TableNames": engine.List()}, nil
	})

	m.handle("DescribeTable", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName string `json:"TableName"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		spec, count, err := engine.Describe(req.TableName)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"Table": describeTable(req.TableName, spec, count),
		}, nil
	})

	m.handle("PutItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName                 string                 `json:"TableName"`
			Item                      value.Item             `json:"Item"`
			ConditionExpression       string                 `json:"ConditionExpression"`
			ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
			ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		err := engine.Put(req.TableName, table.PutRequest{
			Item:      req.Item,
			Condition: req.ConditionExpression,
			Names:     req.ExpressionAttributeNames,
			Values:    req.ExpressionAttributeValues,
		})
		return map[string]interface{}{}, errors.Trace(err)
	})

	m.handle("GetItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName string     `json:"TableName"`
			Key       value.Item `json:"Key"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		item, err := engine.Get(req.TableName, req.Key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		resp := map[string]interface{}{}
		if item != nil {
			resp["Item"] = item
		}
		return resp, nil
	})

	m.handle("DeleteItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName                 string                 `json:"TableName"`
			Key                       value.Item             `json:"Key"`
			ConditionExpression       string                 `json:"ConditionExpression"`
			ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
			ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		err := engine.Delete(req.TableName, table.DeleteRequest{
			Key:       req.Key,
			Condition: req.ConditionExpression,
			Names:     req.ExpressionAttributeNames,
			Values:    req.ExpressionAttributeValues,
		})
		return map[string]interface{}{}, errors.Trace(err)
	})

	m.handle("UpdateItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName                 string                 `json:"TableName"`
			Key                       value.Item             `json:"Key"`
			UpdateExpression          string                 `json:"UpdateExpression"`
			ConditionExpression       string                 `json:"ConditionExpression"`
			ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
			ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
			ReturnValues              string                 `json:"ReturnValues"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		item, err := engine.Update(req.TableName, table.UpdateRequest{
			Key:       req.Key,
			Update:    req.UpdateExpression,
			Condition: req.ConditionExpression,
			Names:     req.ExpressionAttributeNames,
			Values:    req.ExpressionAttributeValues,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		resp := map[string]interface{}{}
		if req.ReturnValues == "ALL_NEW" {
			resp["Attributes"] = item
		}
		return resp, nil
	})

	m.handle("Query", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName                 string                 `json:"TableName"`
			IndexName                 string                 `json:"IndexName"`
			KeyConditionExpression    string                 `json:"KeyConditionExpression"`
			FilterExpression          string                 `json:"FilterExpression"`
			ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
			ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
			Limit                     int                    `json:"Limit"`
			ScanIndexForward          *bool                  `json:"ScanIndexForward"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		items, err := engine.Query(req.TableName, table.QueryRequest{
			IndexName:    req.IndexName,
			KeyCondition: req.KeyConditionExpression,
			Filter:       req.FilterExpression,
			Names:        req.ExpressionAttributeNames,
			Values:       req.ExpressionAttributeValues,
			Limit:        req.Limit,
			ScanForward:  req.ScanIndexForward,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return itemsResponse(items), nil
	})

	m.handle("Scan", func(r *http.Request) (interface{}, error) {
		var req struct {
			TableName                 string                 `json:"TableName"`
			FilterExpression          string                 `json:"FilterExpression"`
			ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
			ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
			Limit                     int                    `json:"Limit"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		items, err := engine.Scan(req.TableName, table.ScanRequest{
			Filter: req.FilterExpression,
			Names:  req.ExpressionAttributeNames,
			Values: req.ExpressionAttributeValues,
			Limit:  req.Limit,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return itemsResponse(items), nil
	})

	m.handle("BatchGetItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			RequestItems map[string]struct {
				Keys []value.Item `json:"Keys"`
			} `json:"RequestItems"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		requests := make(map[string][]value.Item, len(req.RequestItems))
		for name, tbl := range req.RequestItems {
			requests[name] = tbl.Keys
		}
		responses, err := engine.BatchGet(requests)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"Responses":       responses,
			"UnprocessedKeys": map[string]interface{}{},
		}, nil
	})

	m.handle("BatchWriteItem", func(r *http.Request) (interface{}, error) {
		var req struct {
			RequestItems map[string][]struct {
				PutRequest *struct {
					Item value.Item `json:"Item"`
				} `json:"PutRequest"`
				DeleteRequest *struct {
					Key value.Item `json:"Key"`
				} `json:"DeleteRequest"`
			} `json:"RequestItems"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		requests := make(map[string][]table.WriteOp, len(req.RequestItems))
		for name, ops := range req.RequestItems {
			for _, op := range ops {
				var write table.WriteOp
				switch {
				case op.PutRequest != nil:
					write.Put = op.PutRequest.Item
				case op.DeleteRequest != nil:
					write.DeleteKey = op.DeleteRequest.Key
				default:
					return nil, errors.NotValidf("empty write request for %q", name)
				}
				requests[name] = append(requests[name], write)
			}
		}
		if err := engine.BatchWrite(requests); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"UnprocessedItems": map[string]interface{}{},
		}, nil
	})

	m.handle("TransactWriteItems", func(r *http.Request) (interface{}, error) {
		var req struct {
			TransactItems []transactItem `json:"TransactItems"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		ops := make([]table.TransactOp, 0, len(req.TransactItems))
		for i, item := range req.TransactItems {
			op, err := item.op()
			if err != nil {
				return nil, errors.Annotatef(err, "item %d", i)
			}
			ops = append(ops, op)
		}
		if err := engine.TransactWrite(ops); err != nil {
			var canceled *table.CanceledError
			if errors.As(err, &canceled) {
				return nil, cancellationError(canceled)
			}
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("TransactGetItems", func(r *http.Request) (interface{}, error) {
		var req struct {
			TransactItems []struct {
				Get struct {
					TableName string     `json:"TableName"`
					Key       value.Item `json:"Key"`
				} `json:"Get"`
			} `json:"TransactItems"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		gets := make([]table.GetOp, len(req.TransactItems))
		for i, item := range req.TransactItems {
			gets[i] = table.GetOp{Table: item.Get.TableName, Key: item.Get.Key}
		}
		items, err := engine.TransactGet(gets)
		if err != nil {
			return nil, errors.Trace(err)
		}
		responses := make([]map[string]interface{}, len(items))
		for i, item := range items {
			responses[i] = map[string]interface{}{}
			if item != nil {
				responses[i]["Item"] = item
			}
		}
		return map[string]interface{}{"Responses": responses}, nil
	})

	return m
}

// transactItem is one member of a TransactWriteItems request; exactly
// one of the four fields is set.
type transactItem struct {
	Put *struct {
		TableName                 string                 `json:"TableName"`
		Item                      value.Item             `json:"Item"`
		ConditionExpression       string                 `json:"ConditionExpression"`
		ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
		ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
	} `json:"Put"`
	Update *struct {
		TableName                 string                 `json:"TableName"`
		Key                       value.Item             `json:"Key"`
		UpdateExpression          string                 `json:"UpdateExpression"`
		ConditionExpression       string                 `json:"ConditionExpression"`
		ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
		ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
	} `json:"Update"`
	Delete *struct {
		TableName                 string                 `json:"TableName"`
		Key                       value.Item             `json:"Key"`
		ConditionExpression       string                 `json:"ConditionExpression"`
		ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
		ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
	} `json:"Delete"`
	ConditionCheck *struct {
		TableName                 string                 `json:"TableName"`
		Key                       value.Item             `json:"Key"`
		ConditionExpression       string                 `json:"ConditionExpression"`
		ExpressionAttributeNames  map[string]string      `json:"ExpressionAttributeNames"`
		ExpressionAttributeValues map[string]value.Value `json:"ExpressionAttributeValues"`
	} `json:"ConditionCheck"`
}

func (t transactItem) op() (table.TransactOp, error) {
	switch {
	case t.Put != nil:
		return table.TransactOp{
			Kind:      table.TransactPut,
			Table:     t.Put.TableName,
			Item:      t.Put.Item,
			Condition: t.Put.ConditionExpression,
			Names:     t.Put.ExpressionAttributeNames,
			Values:    t.Put.ExpressionAttributeValues,
		}, nil
	case t.Update != nil:
		return table.TransactOp{
			Kind:      table.TransactUpdate,
			Table:     t.Update.TableName,
			Key:       t.Update.Key,
			Update:    t.Update.UpdateExpression,
			Condition: t.Update.ConditionExpression,
			Names:     t.Update.ExpressionAttributeNames,
			Values:    t.Update.ExpressionAttributeValues,
		}, nil
	case t.Delete != nil:
		return table.TransactOp{
			Kind:      table.TransactDelete,
			Table:     t.Delete.TableName,
			Key:       t.Delete.Key,
			Condition: t.Delete.ConditionExpression,
			Names:     t.Delete.ExpressionAttributeNames,
			Values:    t.Delete.ExpressionAttributeValues,
		}, nil
	case t.ConditionCheck != nil:
		return table.TransactOp{
			Kind:      table.TransactConditionCheck,
			Table:     t.ConditionCheck.TableName,
			Key:       t.ConditionCheck.Key,
			Condition: t.ConditionCheck.ConditionExpression,
			Names:     t.ConditionCheck.ExpressionAttributeNames,
			Values:    t.ConditionCheck.ExpressionAttributeValues,
		}, nil
	}
	return table.TransactOp{}, errors.NotValidf("empty transact item")
}

func cancellationError(canceled *table.CanceledError) error {
	return ldkerrors.WithCode(
		ldkerrors.ConditionFailedf("%s", canceled.Error()),
		"TransactionCanceledException")
}

func keySchemaOf(elements []keyElement, types map[string]string) (table.KeySchema, error) {
	var key table.KeySchema
	for _, el := range elements {
		typ, ok := types[el.AttributeName]
		if !ok {
			return key, errors.NotValidf("undeclared key attribute %q", el.AttributeName)
		}
		switch el.KeyType {
		case "HASH":
			key.PartitionKey = el.AttributeName
			key.PartitionType = typ
		case "RANGE":
			key.SortKey = el.AttributeName
			key.SortType = typ
		default:
			return key, errors.NotValidf("key type %q", el.KeyType)
		}
	}
	return key, nil
}

func describeTable(name string, spec table.Spec, count int) tableDescription {
	desc := tableDescription{
		TableName:   name,
		ItemCount:   count,
		TableStatus: "ACTIVE",
		KeySchema: []keyElement{
			{AttributeName: spec.Key.PartitionKey, KeyType: "HASH"},
		},
	}
	if spec.Key.SortKey != "" {
		desc.KeySchema = append(desc.KeySchema, keyElement{
			AttributeName: spec.Key.SortKey, KeyType: "RANGE",
		})
	}
	if spec.StreamEnabled {
		desc.StreamSpec = &streamSpecification{
			StreamEnabled:  true,
			StreamViewType: spec.StreamView.String(),
		}
	}
	return desc
}

func itemsResponse(items []value.Item) map[string]interface{} {
	if items == nil {
		items = []value.Item{}
	}
	return map[string]interface{}{
		"Items": items,
		"Count": len(items),
	}
}
