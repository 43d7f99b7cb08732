package search

import (
	"bytes"
	"context"
	"encoding/gob"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered with grpc's encoding registry so the
// hand-written ServiceDescs below can transport Go values directly
// without a protoc step, while still speaking the same
// google.golang.org/grpc wire framing any other client/server in the
// cluster uses.
const gobCodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return gobCodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// FlightSearchTicket is shaped after an Arrow Flight ticket payload —
// the identifier a querier would hand back to let the coordinator fetch
// a sub-query's result batches. No Flight server or client is wired up
// in this package: batches come back over the plain ResultStream
// interface in fanout.go, and this struct only documents what a ticket
// for that exchange would carry if a node chose to implement Flight's
// DoGet for it.
type FlightSearchTicket struct {
	TraceID        string
	Partition      Partition
	Classification Classification
	SQL            string
}

// SubQueryRequest is the "Search" gRPC service's request message: it
// dispatches one partition's fragment to a querier; the ticket this
// call returns identifies where the actual result batches can be
// streamed from.
type SubQueryRequest struct {
	TraceID   string
	Partition Partition
	SQL       string
}

// SubQueryResponse points the coordinator at the ticket identifying
// where to fetch results from.
type SubQueryResponse struct {
	FlightTicket []byte // gob-encoded FlightSearchTicket
}

// CancelRequest is the "Event" gRPC service's cancel notification,
// normally delivered over cluster.Coordinator's event bus; this message shape is
// what a direct RPC push would carry as an alternative transport for
// nodes not subscribed to the KV watch.
type CancelRequest struct {
	TraceID string
}

// FileListRequest/_Response are the "Filelist" gRPC service's messages:
// they let a querier resolve the same catalog rows the coordinator
// already computed, without re-querying sqlite itself, by having the
// coordinator push the resolved file set alongside the partition.
type FileListRequest struct {
	Org    string
	Stream string
	Start  int64
	End    int64
}

type FileListResponse struct {
	Files []File
}

// SearchServer is the handler surface a node implements to serve
// sub-queries. Left as an interface — the querier side (reading
// parquet via cache, executing against an Executor, returning a
// ResultStream) belongs to the serving process, not this coordination
// package.
type SearchServer interface {
	RunSubQuery(ctx context.Context, req *SubQueryRequest) (*SubQueryResponse, error)
}

// FilelistServer mirrors filelist.Store's read surface over RPC so a
// remote querier can resolve files without direct sqlite access.
type FilelistServer interface {
	ListFiles(ctx context.Context, req *FileListRequest) (*FileListResponse, error)
}

// EventServer mirrors cluster.Coordinator's event bus over RPC, an
// alternate transport to the etcd watch for nodes that only peer over
// gRPC.
type EventServer interface {
	Cancel(ctx context.Context, req *CancelRequest) error
}

// searchHandler/filelistHandler/eventHandler adapt the *Server
// interfaces above to grpc.methodHandler's required signature.
func searchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(SubQueryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(SearchServer).RunSubQuery(ctx, req)
}

func filelistHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(FileListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(FilelistServer).ListFiles(ctx, req)
}

func eventHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CancelRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return nil, srv.(EventServer).Cancel(ctx, req)
}

// SearchServiceDesc, FilelistServiceDesc, and EventServiceDesc are the
// three inter-node gRPC services, hand-registered instead of
// protoc-generated (no .proto file — the message types above are
// plain Go structs carried by the gob codec registered in init()).
var SearchServiceDesc = grpc.ServiceDesc{
	ServiceName: "corepipe.search.Search",
	HandlerType: (*SearchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunSubQuery", Handler: searchHandler},
	},
}

var FilelistServiceDesc = grpc.ServiceDesc{
	ServiceName: "corepipe.search.Filelist",
	HandlerType: (*FilelistServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListFiles", Handler: filelistHandler},
	},
}

var EventServiceDesc = grpc.ServiceDesc{
	ServiceName: "corepipe.search.Event",
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Cancel", Handler: eventHandler},
	},
}
