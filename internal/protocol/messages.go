// Package protocol defines the coordination wire format: one framed JSON request and one framed
// JSON response per TCP connection.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Sentinel errors.
var (
	// ErrProtocol marks malformed frames or requests.
	ErrProtocol = errors.New("protocol error")
	// ErrTransport marks connection-level failures the client should retry.
	ErrTransport = errors.New("transport error")
)

// RequestType names a client request.
type RequestType string

// Request types.
const (
	RequestWork       RequestType = "REQUEST_WORK"
	DeliverResult     RequestType = "DELIVER_RESULT"
	ReportFailure     RequestType = "REPORT_FAILURE"
	RequestStatistics RequestType = "REQUEST_STATISTICS"
)

// Status is the server's verdict on a request.
type Status string

// Response statuses.
const (
	StatusOK        Status = "OK"
	StatusError     Status = "ERROR"
	StatusRetry     Status = "RETRY"
	StatusTerminate Status = "TERMINATE"
)

// Request is sent by fetch clients.
type Request struct {
	Type      RequestType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	BatchSize int             `json:"batch_size,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Payload   crawler.Payload `json:"payload,omitempty"`
}

// Response answers a Request.
type Response struct {
	Status     Status                    `json:"status"`
	RequestID  string                    `json:"request_id,omitempty"`
	TargetIDs  []string                  `json:"target_ids,omitempty"`
	Statistics *crawler.ServerStatistics `json:"statistics,omitempty"`
	Message    string                    `json:"message,omitempty"`
}

// Validate checks that the fields required by the request type are present.
func (r Request) Validate() error {
	switch r.Type {
	case RequestWork:
		if r.BatchSize <= 0 {
			return fmt.Errorf("%w: batch_size must be > 0", ErrProtocol)
		}
	case DeliverResult:
		if strings.TrimSpace(r.TargetID) == "" {
			return fmt.Errorf("%w: target_id is required", ErrProtocol)
		}
		if len(r.Payload) == 0 {
			return fmt.Errorf("%w: payload is required", ErrProtocol)
		}
	case ReportFailure:
		if strings.TrimSpace(r.TargetID) == "" {
			return fmt.Errorf("%w: target_id is required", ErrProtocol)
		}
	case RequestStatistics:
	case "":
		return fmt.Errorf("%w: request type is required", ErrProtocol)
	default:
		return fmt.Errorf("%w: unsupported request type %q", ErrProtocol, r.Type)
	}
	return nil
}

// Errorf builds an ERROR response.
func Errorf(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}
