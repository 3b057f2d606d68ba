package engine

import (
	"fmt"
	"sync/atomic"

	"engined/pkg/types"
)

// RequestStatus is the lifecycle state of a Request.
type RequestStatus int

const (
	StatusWaiting RequestStatus = iota
	StatusWaitingForGrammar
	StatusRunning
	StatusFinishedStopped
	StatusFinishedLengthCapped
	StatusFinishedAborted
	StatusFinishedIgnored
)

func (s RequestStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusWaitingForGrammar:
		return "WAITING_FOR_FSM"
	case StatusRunning:
		return "RUNNING"
	case StatusFinishedStopped:
		return "FINISHED_STOPPED"
	case StatusFinishedLengthCapped:
		return "FINISHED_LENGTH_CAPPED"
	case StatusFinishedAborted:
		return "FINISHED_ABORTED"
	case StatusFinishedIgnored:
		return "FINISHED_IGNORED"
	default:
		return fmt.Sprintf("RequestStatus(%d)", int(s))
	}
}

// Finished reports whether s is terminal.
func (s RequestStatus) Finished() bool { return s >= StatusFinishedStopped }

// FinishReason maps a terminal status to the reason reported to clients.
func (s RequestStatus) FinishReason() types.FinishReason {
	switch s {
	case StatusFinishedStopped:
		return types.FinishStop
	case StatusFinishedLengthCapped, StatusFinishedIgnored:
		return types.FinishLength
	case StatusFinishedAborted:
		return types.FinishAbort
	default:
		return types.FinishNone
	}
}

// Request is one unit of generation work. Once admitted it belongs to the
// Scheduler; IO goroutines never touch it after handing it to the loop.
type Request struct {
	ID               string
	Status           RequestStatus
	ClientIndex      int
	Prompt           string
	PromptTokenIDs   []int32
	OutputTokenIDs   []int32
	MaxTokens        int
	EOSTokenID       *int32
	Sampling         types.SamplingParams
	Pooling          *types.PoolingParams
	StructuredOutput *types.StructuredOutputParams
	KVTransferParams map[string]any
	MMInputs         [][]byte
	MMHashes         []string
	LoRAID           int
	CacheSalt        string
	ArrivalTime      float64

	// NumComputedTokens is maintained by the scheduler.
	NumComputedTokens int

	grammarReady atomic.Bool
}

// NewRequest copies a wire request into a Request.
func NewRequest(r *types.EngineCoreRequest) *Request {
	req := &Request{
		ID:               r.RequestID,
		Status:           StatusWaiting,
		ClientIndex:      r.ClientIndex,
		Prompt:           r.Prompt,
		PromptTokenIDs:   append([]int32(nil), r.PromptTokenIDs...),
		EOSTokenID:       r.EOSTokenID,
		Pooling:          r.Pooling,
		StructuredOutput: r.StructuredOutput,
		KVTransferParams: r.KVTransferParams,
		MMInputs:         r.MMInputs,
		MMHashes:         r.MMHashes,
		LoRAID:           r.LoRAID,
		CacheSalt:        r.CacheSalt,
		ArrivalTime:      r.ArrivalTime,
	}
	if r.Sampling != nil {
		req.Sampling = *r.Sampling
		req.MaxTokens = r.Sampling.MaxTokens
	}
	if req.Pooling != nil {
		// pooling produces a single output
		req.MaxTokens = 1
	}
	if req.UseStructuredOutput() {
		req.Status = StatusWaitingForGrammar
	}
	return req
}

// UseStructuredOutput reports whether decoding is grammar constrained.
func (r *Request) UseStructuredOutput() bool { return r.StructuredOutput != nil }

// GrammarReady reports whether the grammar for a structured-output request
// finished compiling. Requests without structured output are always ready.
func (r *Request) GrammarReady() bool {
	return !r.UseStructuredOutput() || r.grammarReady.Load()
}

// MarkGrammarReady is called by the structured-output backend when compilation
// completes, possibly from another goroutine.
func (r *Request) MarkGrammarReady() { r.grammarReady.Store(true) }

// NumTokens is the prompt plus generated length.
func (r *Request) NumTokens() int { return len(r.PromptTokenIDs) + len(r.OutputTokenIDs) }
