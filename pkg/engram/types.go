package engram

import (
	"github.com/provenant/engram/pkg/chain"
	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/store"
)

// Type re-exports for caller convenience

// Action is re-exported from record package
type Action = record.Action

// Alternative is re-exported from record package
type Alternative = record.Alternative

// Decision is re-exported from record package
type Decision = record.Decision

// Engram is re-exported from record package
type Engram = record.Engram

// EngramID is re-exported from record package
type EngramID = record.EngramID

// Query is re-exported from store package
type Query = store.Query

// VerificationResult is re-exported from chain package
type VerificationResult = chain.VerificationResult
