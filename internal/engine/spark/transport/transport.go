// Package transport is the thin, swappable boundary between the Spark
// engine adapter and Spark Connect. Per the core's scope, the wire-level
// gRPC client and Arrow IPC decoding are external collaborators: this
// package defines the Transport interface the adapter depends on, plus a
// gRPC-backed implementation that dials sc:// endpoints and submits SQL as
// a generic structpb-encoded ExecutePlan request.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/swellow-db/swellow/internal/swerr"
)

// Row is one row of a query result, keyed by column name. It stands in
// for Arrow-decoded results, which are out of the core's scope.
type Row map[string]any

// Transport is everything the Spark engine adapter needs from a live
// connection: execute a single statement, and run a query that returns
// rows (used for catalog enumeration and the lock sentinel check).
type Transport interface {
	ExecuteStatement(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string) ([]Row, error)
	Close(ctx context.Context) error
}

// Endpoint is a parsed sc:// connection string.
type Endpoint struct {
	Host              string
	Port              int
	UseSSL            bool
	Token             string
	ClusterID         string
	SessionID         string
	Database          string
	Headers           map[string]string
}

// defaultDatabase is Spark's own unqualified default database, used when
// the connection string names no target database explicitly.
const defaultDatabase = "default"

// ParseEndpoint parses the Spark Connect connection-string convention:
// sc://host:port/;use_ssl=<bool>;token=<...>;x-databricks-cluster-id=<...>;
// or x-databricks-session-id=<...>;database=<...>;. Header keys are
// lowercased. A token without use_ssl=true is refused with InsecureToken.
// database names the schema migrations target and snapshot enumerates; it
// defaults to Spark's own "default" database, never to swellow's own
// bookkeeping schema.
func ParseEndpoint(connString string) (Endpoint, error) {
	u, err := url.Parse(connString)
	if err != nil || u.Scheme != "sc" {
		return Endpoint{}, swerr.New(swerr.ArgumentError, fmt.Sprintf("invalid spark connect URL %q", connString))
	}

	ep := Endpoint{Host: u.Hostname(), Database: defaultDatabase, Headers: map[string]string{}}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, swerr.New(swerr.ArgumentError, fmt.Sprintf("invalid port in %q", connString))
		}
		ep.Port = port
	}

	params := strings.TrimPrefix(u.Path, "/")
	params = strings.TrimPrefix(params, ";")
	for _, pair := range strings.Split(params, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(kv[0])
		value := kv[1]

		switch key {
		case "use_ssl":
			ep.UseSSL = strings.EqualFold(value, "true")
		case "token":
			ep.Token = value
		case "x-databricks-cluster-id":
			ep.ClusterID = value
		case "x-databricks-session-id":
			ep.SessionID = value
		case "database":
			ep.Database = value
		default:
			ep.Headers[key] = value
		}
	}

	if ep.Token != "" && !ep.UseSSL {
		return Endpoint{}, swerr.New(swerr.InsecureToken,
			"a token was supplied without use_ssl=true")
	}

	return ep, nil
}

// grpcTransport is the default Transport, backed by a gRPC channel. The
// actual Spark Connect protobuf schema (ExecutePlanRequest, Relation,
// etc.) is generated code the core does not own; requests here are
// expressed as a generic structpb.Struct payload, which is itself a real,
// already-compiled proto.Message and lets the adapter exercise a genuine
// grpc.ClientConn without vendoring Spark's .proto definitions.
type grpcTransport struct {
	conn      *grpc.ClientConn
	endpoint  Endpoint
	sessionID string
}

// Dial opens a gRPC channel to the parsed endpoint.
func Dial(ctx context.Context, ep Endpoint) (Transport, error) {
	var creds credentials.TransportCredentials
	if ep.UseSSL {
		creds = credentials.NewTLS(nil)
	} else {
		creds = insecure.NewCredentials()
	}

	target := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to dial spark connect endpoint", err)
	}

	return &grpcTransport{conn: conn, endpoint: ep, sessionID: ep.SessionID}, nil
}

const executePlanMethod = "/spark.connect.SparkConnectService/ExecutePlan"

func (t *grpcTransport) invoke(ctx context.Context, sql string) (*structpb.Struct, error) {
	fields := map[string]any{
		"sql":                sql,
		"session_id":         t.sessionID,
		"cluster_id":         t.endpoint.ClusterID,
		"x-databricks-token": t.endpoint.Token,
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, swerr.Wrap(swerr.ExecutionFailed, "failed to encode spark connect request", err)
	}

	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, executePlanMethod, req, resp); err != nil {
		return nil, swerr.Wrap(swerr.ExecutionFailed, "spark connect ExecutePlan failed", err)
	}
	return resp, nil
}

func (t *grpcTransport) ExecuteStatement(ctx context.Context, sql string) error {
	_, err := t.invoke(ctx, sql)
	return err
}

func (t *grpcTransport) Query(ctx context.Context, sql string) ([]Row, error) {
	resp, err := t.invoke(ctx, sql)
	if err != nil {
		return nil, err
	}

	rawRows, ok := resp.Fields["rows"]
	if !ok {
		return nil, nil
	}

	list := rawRows.GetListValue()
	if list == nil {
		return nil, nil
	}

	rows := make([]Row, 0, len(list.Values))
	for _, v := range list.Values {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		row := make(Row, len(s.Fields))
		for k, fv := range s.Fields {
			row[k] = fv.AsInterface()
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (t *grpcTransport) Close(ctx context.Context) error {
	return t.conn.Close()
}
