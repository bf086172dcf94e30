package protocol

import "fmt"

// Op names a session request.
type Op string

const (
	OpHello           Op = "hello"
	OpSubmitProgram   Op = "submit_program"
	OpSubmitData      Op = "submit_data"
	OpFetchResult     Op = "fetch_result"
	OpRequestShutdown Op = "request_shutdown"
)

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpHello, OpSubmitProgram, OpSubmitData, OpFetchResult, OpRequestShutdown:
		return true
	}
	return false
}

// Outcome is the kind of a session response.
type Outcome string

const (
	OutcomeAck      Outcome = "ack"
	OutcomeRejected Outcome = "rejected"
	OutcomeResult   Outcome = "result"
	OutcomePending  Outcome = "pending"
)

// Code classifies a rejection.
type Code string

const (
	CodeNotAuthorized      Code = "not_authorized"
	CodeAlreadyProvisioned Code = "already_provisioned"
	CodeHashMismatch       Code = "hash_mismatch"
	CodeUnknownSlot        Code = "unknown_slot"
	CodeOutOfOrder         Code = "out_of_order"
	CodeExecutionFailed    Code = "execution_failed"
	CodePolicyMismatch     Code = "policy_mismatch"
	CodeBadRequest         Code = "bad_request"
	CodeShuttingDown       Code = "shutting_down"
)

// Request is one session request. Slot is meaningful only for
// OpSubmitData; PolicyHash only for OpHello.
type Request struct {
	Op         Op     `cbor:"op"`
	Slot       int    `cbor:"slot"`
	Payload    []byte `cbor:"payload,omitempty"`
	PolicyHash string `cbor:"policy_hash,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	Outcome Outcome `cbor:"outcome"`
	Code    Code    `cbor:"code,omitempty"`
	Reason  string  `cbor:"reason,omitempty"`
	Data    []byte  `cbor:"data,omitempty"`
}

// Ack builds an acknowledgement.
func Ack() Response {
	return Response{Outcome: OutcomeAck}
}

// Pending builds a not-yet-available response.
func Pending() Response {
	return Response{Outcome: OutcomePending}
}

// Result builds a response carrying a computation result.
func Result(data []byte) Response {
	return Response{Outcome: OutcomeResult, Data: data}
}

// Rejected builds a rejection.
func Rejected(code Code, format string, args ...any) Response {
	return Response{Outcome: OutcomeRejected, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// HelloAck is carried in the Data of the response to OpHello.
type HelloAck struct {
	Identity      string `cbor:"identity"`
	RequiredSlots int    `cbor:"required_slots"`
}
