// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/internal/engine/objectstore"
	"github.com/localdevkit/ldk/internal/wire"
)

// metadataHeaderPrefix carries caller metadata on object puts and
// surfaces it on gets.
const metadataHeaderPrefix = "X-Amz-Meta-"

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listAllBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Buckets []bucketEntry `xml:"Buckets>Bucket"`
}

type objectEntry struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	KeyCount       int            `xml:"KeyCount"`
	Contents       []objectEntry  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type tagEntry struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

type tagging struct {
	XMLName xml.Name   `xml:"Tagging"`
	Tags    []tagEntry `xml:"TagSet>Tag"`
}

// objectAdapter translates the REST-over-path dialect into object
// store calls.
type objectAdapter struct {
	engine *objectstore.Engine
	router *mux.Router
}

// newObjectAdapter wires the object store into the REST dialect.
func newObjectAdapter(engine *objectstore.Engine) *objectAdapter {
	a := &objectAdapter{engine: engine, router: mux.NewRouter()}

	a.router.HandleFunc("/", a.listBuckets).Methods("GET")
	a.router.HandleFunc("/{bucket}", a.bucketOp)
	a.router.HandleFunc("/{bucket}/", a.bucketOp)
	a.router.HandleFunc("/{bucket}/{key:.+}", a.objectOp)
	return a
}

func (a *objectAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *objectAdapter) listBuckets(w http.ResponseWriter, r *http.Request) {
	buckets := a.engine.ListBuckets()
	result := listAllBucketsResult{}
	for name, createdAt := range buckets {
		result.Buckets = append(result.Buckets, bucketEntry{
			Name:         name,
			CreationDate: createdAt.UTC().Format(time.RFC3339),
		})
	}
	wire.WriteXML(w, result)
}

func (a *objectAdapter) bucketOp(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()
	switch {
	case r.Method == "PUT" && query.Has("policy"):
		body, err := io.ReadAll(r.Body)
		if err == nil {
			err = a.engine.SetPolicy(bucket, string(body))
		}
		a.finishBucket(w, r, bucket, err)
	case r.Method == "GET" && query.Has("policy"):
		policy, err := a.engine.Policy(bucket)
		if err != nil {
			writeBucketErr(w, "/"+bucket, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(policy))
	case r.Method == "PUT":
		a.finishBucket(w, r, bucket, a.engine.CreateBucket(bucket))
	case r.Method == "DELETE":
		if err := a.engine.DeleteBucket(bucket); err != nil {
			writeBucketErr(w, "/"+bucket, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == "GET":
		a.listObjects(w, r, bucket)
	default:
		writeBucketErr(w, "/"+bucket, ldkerrors.WithCode(
			errors.NotValidf("method %s", r.Method), "MethodNotAllowed"))
	}
}

func (a *objectAdapter) finishBucket(w http.ResponseWriter, r *http.Request, bucket string, err error) {
	if err != nil {
		writeBucketErr(w, "/"+bucket, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *objectAdapter) listObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	limit := 0
	if v := query.Get("max-keys"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeBucketErr(w, "/"+bucket, errors.NotValidf("max-keys %q", v))
			return
		}
		limit = parsed
	}
	listing, err := a.engine.List(bucket, prefix, delimiter, limit)
	if err != nil {
		writeBucketErr(w, "/"+bucket, err)
		return
	}
	result := listBucketResult{
		Name:      bucket,
		Prefix:    prefix,
		Delimiter: delimiter,
		KeyCount:  len(listing.Objects),
	}
	for _, obj := range listing.Objects {
		result.Contents = append(result.Contents, objectEntry{
			Key:          obj.Key,
			Size:         len(obj.Body),
			ETag:         quoteETag(obj.ETag),
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
		})
	}
	for _, cp := range listing.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: cp})
	}
	wire.WriteXML(w, result)
}

func (a *objectAdapter) objectOp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	resource := "/" + bucket + "/" + key
	query := r.URL.Query()

	switch {
	case r.Method == "PUT" && query.Has("tagging"):
		a.putTagging(w, r, bucket, key, resource)
	case r.Method == "GET" && query.Has("tagging"):
		tags, err := a.engine.Tags(bucket, key)
		if err != nil {
			writeBucketErr(w, resource, err)
			return
		}
		result := tagging{}
		for k, v := range tags {
			result.Tags = append(result.Tags, tagEntry{Key: k, Value: v})
		}
		wire.WriteXML(w, result)
	case r.Method == "PUT" && r.Header.Get("x-amz-copy-source") != "":
		a.copyObject(w, r, bucket, key, resource)
	case r.Method == "PUT":
		a.putObject(w, r, bucket, key, resource)
	case r.Method == "GET":
		obj, err := a.engine.Get(bucket, key)
		if err != nil {
			writeBucketErr(w, resource, err)
			return
		}
		writeObjectHeaders(w, obj)
		w.WriteHeader(http.StatusOK)
		w.Write(obj.Body)
	case r.Method == "HEAD":
		obj, err := a.engine.Head(bucket, key)
		if err != nil {
			writeBucketErr(w, resource, err)
			return
		}
		writeObjectHeaders(w, obj)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.Body)))
		w.WriteHeader(http.StatusOK)
	case r.Method == "DELETE":
		if err := a.engine.Delete(bucket, key); err != nil {
			writeBucketErr(w, resource, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeBucketErr(w, resource, ldkerrors.WithCode(
			errors.NotValidf("method %s", r.Method), "MethodNotAllowed"))
	}
}

func (a *objectAdapter) putObject(w http.ResponseWriter, r *http.Request, bucket, key, resource string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBucketErr(w, resource, errors.NotValidf("request body: %v", err))
		return
	}
	obj, err := a.engine.Put(bucket, key, body,
		r.Header.Get("Content-Type"), metadataOf(r.Header))
	if err != nil {
		writeBucketErr(w, resource, bucketLevelErr(err))
		return
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.WriteHeader(http.StatusOK)
}

func (a *objectAdapter) copyObject(w http.ResponseWriter, r *http.Request, bucket, key, resource string) {
	source, err := url.PathUnescape(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		writeBucketErr(w, resource, errors.NotValidf("copy source"))
		return
	}
	source = strings.TrimPrefix(source, "/")
	slash := strings.Index(source, "/")
	if slash <= 0 || slash == len(source)-1 {
		writeBucketErr(w, resource, errors.NotValidf("copy source %q", source))
		return
	}
	obj, err := a.engine.Copy(source[:slash], source[slash+1:], bucket, key)
	if err != nil {
		writeBucketErr(w, resource, err)
		return
	}
	wire.WriteXML(w, copyObjectResult{
		ETag:         quoteETag(obj.ETag),
		LastModified: obj.LastModified.UTC().Format(time.RFC3339),
	})
}

func (a *objectAdapter) putTagging(w http.ResponseWriter, r *http.Request, bucket, key, resource string) {
	var req tagging
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBucketErr(w, resource, errors.NotValidf("tagging body: %v", err))
		return
	}
	tags := make(map[string]string, len(req.Tags))
	for _, tag := range req.Tags {
		tags[tag.Key] = tag.Value
	}
	if err := a.engine.SetTags(bucket, key, tags); err != nil {
		writeBucketErr(w, resource, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeObjectHeaders(w http.ResponseWriter, obj *objectstore.Object) {
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	for k, v := range obj.Metadata {
		w.Header().Set(metadataHeaderPrefix+k, v)
	}
}

func writeBucketErr(w http.ResponseWriter, resource string, err error) {
	wire.WriteBucketError(w, resource, err)
}

// bucketLevelErr marks a not-found from a write into the bucket as the
// bucket being absent; a key can never be missing on a put.
func bucketLevelErr(err error) error {
	if errors.Is(err, errors.NotFound) {
		return ldkerrors.WithCode(err, "NoSuchBucket")
	}
	return err
}

func metadataOf(h http.Header) map[string]string {
	var metadata map[string]string
	for name, values := range h {
		if !strings.HasPrefix(name, metadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[strings.TrimPrefix(name, metadataHeaderPrefix)] = values[0]
	}
	return metadata
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// extractObjectOp maps the REST dialect onto operation names for the
// middleware chain.
func extractObjectOp(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	query := r.URL.Query()
	bucketOnly := path != "" && !strings.Contains(strings.TrimSuffix(path, "/"), "/")
	switch {
	case path == "":
		return "list-buckets"
	case bucketOnly && query.Has("policy") && r.Method == "PUT":
		return "put-bucket-policy"
	case bucketOnly && query.Has("policy"):
		return "get-bucket-policy"
	case bucketOnly && r.Method == "PUT":
		return "create-bucket"
	case bucketOnly && r.Method == "DELETE":
		return "delete-bucket"
	case bucketOnly:
		return "list-objects"
	case query.Has("tagging") && r.Method == "PUT":
		return "put-object-tagging"
	case query.Has("tagging"):
		return "get-object-tagging"
	case r.Method == "PUT":
		return "put-object"
	case r.Method == "HEAD":
		return "head-object"
	case r.Method == "DELETE":
		return "delete-object"
	}
	return "get-object"
}
