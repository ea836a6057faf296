package server

import (
	"encoding/json"
	"evcore/ocpp/core"
	"evcore/utility"
	"testing"
)

func parseRaw(t *testing.T, raw string) []interface{} {
	t.Helper()
	message, err := utility.ParseJson([]byte(raw))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	return message
}

func TestMessageType(t *testing.T) {
	message := parseRaw(t, `[2,"42","Heartbeat",{}]`)
	callType, err := MessageType(message)
	if err != nil {
		t.Fatalf("message type: %v", err)
	}
	if callType != CallTypeRequest {
		t.Fatalf("call type = %v, want %v", callType, CallTypeRequest)
	}

	if _, err = MessageType(parseRaw(t, `[9,"42","Heartbeat",{}]`)); err == nil {
		t.Fatalf("expected error for unknown call type")
	}
	if _, err = MessageType(parseRaw(t, `["2","42"]`)); err == nil {
		t.Fatalf("expected error for short message")
	}
}

func TestParseRequest(t *testing.T) {
	raw := `[2,"10001","StartTransaction",{"connectorId":1,"idTag":"ABC123","meterStart":100,"timestamp":"2025-03-10T12:00:00Z"}]`
	callRequest, err := ParseRequest(parseRaw(t, raw))
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if callRequest.UniqueId != "10001" {
		t.Fatalf("unique id = %s", callRequest.UniqueId)
	}
	request, ok := callRequest.Payload.(*core.StartTransactionRequest)
	if !ok {
		t.Fatalf("payload type = %T", callRequest.Payload)
	}
	if request.ConnectorId != 1 || request.IdTag != "ABC123" || request.MeterStart != 100 {
		t.Fatalf("unexpected payload: %+v", request)
	}
}

func TestParseRequestRejectsUnknownAction(t *testing.T) {
	raw := `[2,"1","Frobnicate",{}]`
	if _, err := ParseRequest(parseRaw(t, raw)); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseRequestRejectsBadFraming(t *testing.T) {
	for _, raw := range []string{
		`[2,"1","Heartbeat"]`,
		`[3,"1","Heartbeat",{}]`,
		`[2,7,"Heartbeat",{}]`,
		`[2,"1",5,{}]`,
	} {
		if _, err := ParseRequest(parseRaw(t, raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestCallResultMarshal(t *testing.T) {
	result := CreateCallResult(core.NewHeartbeatResponse(nil), "77")
	data, err := result.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields []interface{}
	if err = json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("fields = %d, want 3", len(fields))
	}
	if fields[0].(float64) != 3 || fields[1].(string) != "77" {
		t.Fatalf("unexpected framing: %v", fields)
	}
}

func TestCallErrorMarshal(t *testing.T) {
	callError := CreateCallError("", ErrorCodeProtocolError, "bad payload")
	data, err := callError.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields []interface{}
	if err = json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(fields) != 5 {
		t.Fatalf("fields = %d, want 5", len(fields))
	}
	if fields[0].(float64) != 4 {
		t.Fatalf("type id = %v, want 4", fields[0])
	}
	// an unparseable request has no usable unique id
	if fields[1].(string) != "-1" {
		t.Fatalf("unique id = %v, want -1", fields[1])
	}
	if fields[2].(string) != ErrorCodeProtocolError {
		t.Fatalf("error code = %v", fields[2])
	}
}
