package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/solana"
)

// MarginfiV2 is the marginfi v2 lending program ID.
const MarginfiV2 = "MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA"

// LiquidationMarker is the log substring emitted by the liquidation instruction.
const LiquidationMarker = "LendingAccountLiquidate"

const signatureLength = 64

// Extraction errors reported with OutcomeUnparseable.
var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMalformedPayload   = errors.New("malformed transaction payload")
	ErrMissingSigner      = errors.New("missing signer")
)

// OutcomeKind classifies the result of Extract.
type OutcomeKind int

const (
	// OutcomeUnmatched means the update carries no liquidation.
	OutcomeUnmatched OutcomeKind = iota
	// OutcomeMatched means a record was produced.
	OutcomeMatched
	// OutcomeUnparseable means the update could not be decoded; treated as a skip.
	OutcomeUnparseable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMatched:
		return "matched"
	case OutcomeUnparseable:
		return "unparseable"
	default:
		return "unmatched"
	}
}

// Outcome is the result of filtering one update.
type Outcome struct {
	Kind   OutcomeKind
	Record *domain.LiquidationRecord // set only for OutcomeMatched
	Err    error                     // set only for OutcomeUnparseable
}

// Matcher finds liquidation markers in program logs.
type Matcher struct {
	marker string
}

// NewMatcher creates a Matcher for the given marker. Empty uses LiquidationMarker.
func NewMatcher(marker string) *Matcher {
	if marker == "" {
		marker = LiquidationMarker
	}
	return &Matcher{marker: marker}
}

// Marker returns the substring the matcher looks for.
func (m *Matcher) Marker() string {
	return m.marker
}

// MatchIndex returns the index of the first log line containing the marker, or -1.
// Lines after the first match are not inspected.
func (m *Matcher) MatchIndex(logs []string) int {
	for i, line := range logs {
		if strings.Contains(line, m.marker) {
			return i
		}
	}
	return -1
}

var defaultMatcher = NewMatcher(LiquidationMarker)

// Extract filters one feed update with the default matcher.
func Extract(update *solana.Update, now time.Time) Outcome {
	return defaultMatcher.Extract(update, now)
}

// Extract turns a feed update into a liquidation record if its logs carry the marker.
// It never panics; decode failures are reported as OutcomeUnparseable.
func (m *Matcher) Extract(update *solana.Update, now time.Time) Outcome {
	if update == nil || update.Kind != solana.UpdateKindTransaction || update.Transaction == nil {
		return Outcome{Kind: OutcomeUnmatched}
	}
	txu := update.Transaction

	if txu.DecodeErr != nil {
		return unparseable(fmt.Errorf("%w: %v", ErrMalformedPayload, txu.DecodeErr))
	}

	if err := validateSignature(txu.Signature); err != nil {
		return unparseable(err)
	}

	// Partial transactions are skipped, not errors.
	if txu.Status() != solana.TransactionComplete {
		return Outcome{Kind: OutcomeUnmatched}
	}

	if m.MatchIndex(txu.LogMessages()) < 0 {
		return Outcome{Kind: OutcomeUnmatched}
	}

	signer, err := firstSigner(txu)
	if err != nil {
		return unparseable(err)
	}

	return Outcome{
		Kind:   OutcomeMatched,
		Record: domain.NewLiquidationRecord(now, signer, txu.Signature),
	}
}

func unparseable(err error) Outcome {
	return Outcome{Kind: OutcomeUnparseable, Err: err}
}

func validateSignature(sig string) error {
	if sig == "" {
		return fmt.Errorf("%w: empty", ErrMalformedSignature)
	}
	decoded, err := base58.Decode(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(decoded) != signatureLength {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSignature, len(decoded), signatureLength)
	}
	return nil
}

// firstSigner returns the first static account key, the fee payer.
func firstSigner(txu *solana.TransactionUpdate) (signer string, err error) {
	// Binary decoding of hostile payloads may panic inside the decoder.
	defer func() {
		if r := recover(); r != nil {
			signer, err = "", fmt.Errorf("%w: %v", ErrMalformedPayload, r)
		}
	}()

	tx, err := txu.Transaction.GetTransaction()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return "", ErrMissingSigner
	}

	return tx.Message.AccountKeys[0].String(), nil
}
