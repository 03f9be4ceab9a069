// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rpcproto

// Simple implements Protocol as a {type: request|response|notification}
// tagged envelope, grounded on the Request{ID,Data}/Response{Success,
// Error,Data} shape in
// other_examples/…kata-containers…proxy-api-prot.go, generalized with an
// explicit type tag so one envelope shape covers all three kinds.
type Simple struct{}

func (Simple) Name() string { return "simple" }

func (Simple) CreateRequest(method string, params any, id any) (any, error) {
	env := map[string]any{"type": "request", "method": method, "id": id}
	if params != nil {
		env["params"] = params
	}
	return env, nil
}

func (Simple) CreateResponse(id any, result any) (any, error) {
	return map[string]any{"type": "response", "id": id, "result": result}, nil
}

func (Simple) CreateErrorResponse(id any, code int, message string, data any) (any, error) {
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	return map[string]any{"type": "response", "id": id, "error": errObj}, nil
}

func (Simple) CreateNotification(method string, params any) (any, error) {
	env := map[string]any{"type": "notification", "method": method}
	if params != nil {
		env["params"] = params
	}
	return env, nil
}

func (Simple) ParseMessage(envelope any) (Message, error) {
	m, ok := envelope.(map[string]any)
	if !ok {
		return Message{Kind: KindInvalid}, errInvalidEnvelope
	}
	typ, _ := m["type"].(string)
	id := m["id"]
	method, _ := m["method"].(string)

	switch typ {
	case "request":
		return Message{Kind: KindRequest, ID: id, Method: method, Params: m["params"]}, nil
	case "notification":
		return Message{Kind: KindNotification, Method: method, Params: m["params"]}, nil
	case "response":
		if errObj, ok := m["error"].(map[string]any); ok {
			code, _ := toInt(errObj["code"])
			msg, _ := errObj["message"].(string)
			return Message{Kind: KindResponse, ID: id, IsError: true, ErrorCode: code, ErrorMessage: msg, ErrorData: errObj["data"]}, nil
		}
		return Message{Kind: KindResponse, ID: id, Result: m["result"]}, nil
	default:
		return Message{Kind: KindInvalid}, nil
	}
}

var _ Protocol = Simple{}
