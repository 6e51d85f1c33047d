package playbook

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// WorkflowRunner hands a StepWorkflow step off to an external workflow
// engine and blocks until it reaches a terminal status, mirroring the
// original's _execute_soar_workflow (there, a Shuffle SOAR adapter; here,
// any process speaking the same gRPC contract).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, params map[string]any) (map[string]any, error)
}

// GRPCWorkflowRunner calls an external workflow runner over gRPC, the way
// tarsy's pkg/agent/llm_grpc.go hands LLM calls off to the Python LLM
// service. No .proto-generated client is vendored here (running protoc is
// outside this module's allowed toolchain), so the call is made with
// grpc.ClientConn.Invoke directly against generic google.protobuf.Struct
// request/response messages rather than a generated stub — a supported,
// if less ergonomic, way to speak a proto-defined RPC contract.
type GRPCWorkflowRunner struct {
	conn   *grpc.ClientConn
	method string
}

// NewGRPCWorkflowRunner dials addr. Like llm_grpc.go, this uses insecure
// (plaintext) transport on the assumption the workflow runner is a
// localhost/sidecar process; upgrade to TLS before crossing a network
// boundary.
func NewGRPCWorkflowRunner(addr string) (*GRPCWorkflowRunner, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("playbook: dial workflow runner %s: %w", addr, err)
	}
	return &GRPCWorkflowRunner{
		conn:   conn,
		method: "/eleanor.workflow.v1.WorkflowService/RunWorkflow",
	}, nil
}

// RunWorkflow invokes the remote workflow and returns its output fields.
func (r *GRPCWorkflowRunner) RunWorkflow(ctx context.Context, workflowID string, params map[string]any) (map[string]any, error) {
	paramStruct, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("playbook: marshal workflow params: %w", err)
	}
	req := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"workflow_id": structpb.NewStringValue(workflowID),
			"parameters":  structpb.NewStructValue(paramStruct),
		},
	}
	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, r.method, req, resp); err != nil {
		return nil, fmt.Errorf("playbook: invoke workflow %s: %w", workflowID, err)
	}
	return resp.AsMap(), nil
}

// Close releases the gRPC connection.
func (r *GRPCWorkflowRunner) Close() error {
	return r.conn.Close()
}
