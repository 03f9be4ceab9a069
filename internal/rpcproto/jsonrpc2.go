// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rpcproto

// JSONRPC2 implements Protocol as JSON-RPC 2.0 envelopes, represented as
// map[string]any so any serialize.Codec (JSON or otherwise) can turn them
// into bytes without this package depending on encoding/json directly.
type JSONRPC2 struct{}

func (JSONRPC2) Name() string { return "jsonrpc2" }

func (JSONRPC2) CreateRequest(method string, params any, id any) (any, error) {
	env := map[string]any{"jsonrpc": "2.0", "method": method, "id": id}
	if params != nil {
		env["params"] = params
	}
	return env, nil
}

func (JSONRPC2) CreateResponse(id any, result any) (any, error) {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": result}, nil
}

func (JSONRPC2) CreateErrorResponse(id any, code int, message string, data any) (any, error) {
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	return map[string]any{"jsonrpc": "2.0", "id": id, "error": errObj}, nil
}

func (JSONRPC2) CreateNotification(method string, params any) (any, error) {
	env := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		env["params"] = params
	}
	return env, nil
}

func (JSONRPC2) ParseMessage(envelope any) (Message, error) {
	m, ok := envelope.(map[string]any)
	if !ok {
		return Message{Kind: KindInvalid}, errInvalidEnvelope
	}
	if v, _ := m["jsonrpc"].(string); v != "2.0" {
		return Message{Kind: KindInvalid}, nil
	}

	id, hasID := m["id"]
	method, hasMethod := m["method"].(string)

	switch {
	case hasMethod && hasID:
		return Message{Kind: KindRequest, ID: id, Method: method, Params: m["params"]}, nil
	case hasMethod && !hasID:
		return Message{Kind: KindNotification, Method: method, Params: m["params"]}, nil
	case m["error"] != nil:
		errObj, _ := m["error"].(map[string]any)
		code, _ := toInt(errObj["code"])
		msg, _ := errObj["message"].(string)
		return Message{Kind: KindResponse, ID: id, IsError: true, ErrorCode: code, ErrorMessage: msg, ErrorData: errObj["data"]}, nil
	default:
		if result, hasResult := m["result"]; hasID && hasResult {
			return Message{Kind: KindResponse, ID: id, Result: result}, nil
		}
		return Message{Kind: KindInvalid}, nil
	}
}

// toInt coerces a decoded numeric value (typically float64, as produced
// by encoding/json unmarshaling into any) to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

var _ Protocol = JSONRPC2{}
