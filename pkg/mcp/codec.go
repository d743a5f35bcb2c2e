package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format. This
// delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire data into either a
// *jsonrpc.Request or a *jsonrpc.Response.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes into a Message that keeps the
// original bytes alongside the decoded form.
func WrapMessage(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:       raw,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewRequest builds a JSON-RPC request with a numeric id and marshaled
// params. Pass nil params for parameterless methods.
func NewRequest(id int64, method string, params interface{}) (*jsonrpc.Request, error) {
	reqID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	req := &jsonrpc.Request{
		ID:     reqID,
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}
