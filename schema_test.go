package mcp_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MegaGrindStone/go-mcp-engine"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  mcp.Message
	}{
		{
			name: "request with integer id",
			msg:  &mcp.Request{ID: mcp.NewRequestID(7), Method: "tools/call", Params: json.RawMessage(`{"name":"echo"}`)},
		},
		{
			name: "request with string id",
			msg:  &mcp.Request{ID: mcp.NewStringRequestID("abc"), Method: "ping"},
		},
		{
			name: "notification",
			msg:  &mcp.Notification{Method: "notifications/progress", Params: json.RawMessage(`{"progress":1}`)},
		},
		{
			name: "result response",
			msg:  &mcp.Response{ID: mcp.NewRequestID(1), Result: json.RawMessage(`{"tools":[]}`)},
		},
		{
			name: "error response",
			msg: &mcp.Response{
				ID:    mcp.NewStringRequestID("x"),
				Error: &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := mcp.MarshalMessage(tt.msg)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			got, err := mcp.UnmarshalMessage(bs)
			if err != nil {
				t.Fatalf("failed to unmarshal %s: %v", bs, err)
			}

			switch want := tt.msg.(type) {
			case *mcp.Request:
				req, ok := got.(*mcp.Request)
				if !ok {
					t.Fatalf("got %T, want *mcp.Request", got)
				}
				if req.ID != want.ID || req.Method != want.Method || !bytes.Equal(req.Params, want.Params) {
					t.Errorf("got %+v, want %+v", req, want)
				}
			case *mcp.Notification:
				n, ok := got.(*mcp.Notification)
				if !ok {
					t.Fatalf("got %T, want *mcp.Notification", got)
				}
				if n.Method != want.Method || !bytes.Equal(n.Params, want.Params) {
					t.Errorf("got %+v, want %+v", n, want)
				}
			case *mcp.Response:
				res, ok := got.(*mcp.Response)
				if !ok {
					t.Fatalf("got %T, want *mcp.Response", got)
				}
				if res.ID != want.ID {
					t.Errorf("got id %s, want %s", res.ID, want.ID)
				}
				if want.Error != nil {
					if res.Error == nil || res.Error.Code != want.Error.Code {
						t.Errorf("got error %v, want %v", res.Error, want.Error)
					}
					return
				}
				if !bytes.Equal(res.Result, want.Result) {
					t.Errorf("got result %s, want %s", res.Result, want.Result)
				}
			}
		})
	}
}

func TestEncodeEmptyResult(t *testing.T) {
	bs, err := mcp.MarshalMessage(&mcp.Response{ID: mcp.NewRequestID(3)})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":3,"result":{}}`
	if string(bs) != want {
		t.Errorf("got %s, want %s", bs, want)
	}

	got, err := mcp.UnmarshalMessage(bs)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	res, ok := got.(*mcp.Response)
	if !ok {
		t.Fatalf("got %T, want *mcp.Response", got)
	}
	if res.Error != nil || string(res.Result) != "{}" {
		t.Errorf("got %+v, want empty result", res)
	}
}

func TestDecodeInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "invalid json", raw: `{"jsonrpc":`},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{name: "method with result", raw: `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`},
		{name: "result and error", raw: `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{name: "empty envelope", raw: `{"jsonrpc":"2.0","id":1}`},
		{name: "result without id", raw: `{"jsonrpc":"2.0","result":{}}`},
		{name: "error without id", raw: `{"jsonrpc":"2.0","error":{"code":-32600,"message":"x"}}`},
		{name: "fractional id", raw: `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcp.UnmarshalMessage([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, mcp.ErrParse) {
				t.Errorf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestEncodeRejectsIncompleteMessages(t *testing.T) {
	for _, m := range []mcp.Message{&mcp.Request{ID: mcp.NewRequestID(1)}, &mcp.Notification{}, nil} {
		if _, err := mcp.Encode(m); err == nil {
			t.Errorf("expected error encoding %#v", m)
		}
	}
}

func TestRequestIDKeepsJSONType(t *testing.T) {
	var num, str mcp.RequestID
	if err := json.Unmarshal([]byte(`1`), &num); err != nil {
		t.Fatalf("failed to unmarshal number: %v", err)
	}
	if err := json.Unmarshal([]byte(`"1"`), &str); err != nil {
		t.Fatalf("failed to unmarshal string: %v", err)
	}

	if num == str {
		t.Error("integer 1 and string \"1\" must be different ids")
	}
	if num != mcp.NewRequestID(1) {
		t.Errorf("got %#v, want integer id 1", num)
	}
	if !str.IsString() {
		t.Error("expected string id")
	}

	for id, want := range map[mcp.RequestID]string{num: `1`, str: `"1"`} {
		bs, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		if string(bs) != want {
			t.Errorf("got %s, want %s", bs, want)
		}
	}
}

func TestJSONRPCErrorData(t *testing.T) {
	err := mcp.NewJSONRPCError(mcp.CodeInvalidParams, "Invalid params", map[string]string{"field": "name"})
	if string(err.Data) != `{"field":"name"}` {
		t.Errorf("got data %s", err.Data)
	}

	var target *mcp.JSONRPCError
	if !errors.As(error(err), &target) || target.Code != mcp.CodeInvalidParams {
		t.Errorf("expected *JSONRPCError, got %v", err)
	}
}
