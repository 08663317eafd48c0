package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	"github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
)

const (
	// Size limits
	MaxDocumentIDSize = 2048             // 2 KB
	MaxCollectionSize = 512              // 512 bytes
	MaxDocumentSize   = 16 * 1024 * 1024 // 16 MB

	// RecordOverhead is reserved for the metadata stored beside a document
	RecordOverhead = 64 * 1024

	// Change vector limits
	MaxChangeVectorEntries = 512
	MaxNodeTagSize         = 16
)

// Validator validates command inputs before they reach the merger
type Validator struct {
	maxDocumentIDSize int
	maxCollectionSize int
	maxDocumentSize   int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxDocumentIDSize: MaxDocumentIDSize,
		maxCollectionSize: MaxCollectionSize,
		maxDocumentSize:   MaxDocumentSize,
	}
}

// NewValidatorForValueSize caps the document size so that a stored record,
// metadata included, fits in maxValue bytes
func NewValidatorForValueSize(maxValue int64) *Validator {
	v := NewValidator()
	if limit := maxValue - RecordOverhead; limit > 0 && limit < int64(v.maxDocumentSize) {
		v.maxDocumentSize = int(limit)
	}
	return v
}

// MaxDocumentSize returns the largest document the validator accepts
func (v *Validator) MaxDocumentSize() int {
	return v.maxDocumentSize
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxDocumentIDSize, maxCollectionSize, maxDocumentSize int) *Validator {
	return &Validator{
		maxDocumentIDSize: maxDocumentIDSize,
		maxCollectionSize: maxCollectionSize,
		maxDocumentSize:   maxDocumentSize,
	}
}

// ValidatePut validates a document write
func (v *Validator) ValidatePut(id, collection string, data []byte, expectedCV *string) error {
	if err := v.ValidateDocumentID(id); err != nil {
		return err
	}
	if err := v.ValidateCollection(collection); err != nil {
		return err
	}
	if err := v.ValidateData(data); err != nil {
		return err
	}
	if expectedCV != nil {
		return v.ValidateChangeVector(*expectedCV)
	}
	return nil
}

// ValidateDocumentID validates a document id
func (v *Validator) ValidateDocumentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.InvalidDocumentID(id, "document id cannot be empty")
	}

	if len(id) > v.maxDocumentIDSize {
		return errors.InvalidDocumentID(id[:64]+"...", fmt.Sprintf("document id exceeds maximum size of %d bytes", v.maxDocumentIDSize))
	}

	// Null bytes separate key components in storage
	if strings.Contains(id, "\x00") {
		return errors.InvalidDocumentID(id, "document id cannot contain null bytes")
	}

	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.InvalidDocumentID(id, "document id cannot contain control characters")
		}
	}

	return nil
}

// ValidateCollection validates a collection name. Empty means "inherit or
// @empty" and is allowed.
func (v *Validator) ValidateCollection(collection string) error {
	if collection == "" {
		return nil
	}

	if len(collection) > v.maxCollectionSize {
		return errors.InvalidArgument(fmt.Sprintf("collection name exceeds maximum size of %d bytes", v.maxCollectionSize), nil)
	}

	for _, r := range collection {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("collection name cannot contain control characters", nil)
		}
	}

	return nil
}

// ValidateData validates a document payload: a JSON object within the size limit
func (v *Validator) ValidateData(data []byte) error {
	if len(data) > v.maxDocumentSize {
		return errors.PayloadTooLarge(len(data), v.maxDocumentSize)
	}

	if len(data) == 0 {
		return errors.InvalidArgument("document data cannot be empty", nil)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.InvalidArgument("document data must be a JSON object", err)
	}

	return nil
}

// ValidateChangeVector validates a change vector string. Empty is valid.
func (v *Validator) ValidateChangeVector(cv string) error {
	parsed, err := changevector.Parse(cv)
	if err != nil {
		return errors.InvalidChangeVector(cv, err)
	}

	if len(parsed) > MaxChangeVectorEntries {
		return errors.InvalidChangeVector(cv, nil).
			WithDetail("reason", fmt.Sprintf("too many entries: %d > %d", len(parsed), MaxChangeVectorEntries))
	}

	for i, entry := range parsed {
		if len(entry.NodeTag) > MaxNodeTagSize {
			return errors.InvalidChangeVector(cv, nil).
				WithDetail("reason", fmt.Sprintf("entry %d node tag exceeds %d bytes", i, MaxNodeTagSize))
		}
		if entry.Etag < 0 {
			return errors.InvalidChangeVector(cv, nil).
				WithDetail("reason", fmt.Sprintf("entry %d has negative etag %d", i, entry.Etag))
		}
	}

	return nil
}

// ValidateReplicated validates a version received from another database
func (v *Validator) ValidateReplicated(id, collection string, data []byte, cv string, deleted bool) error {
	if err := v.ValidateDocumentID(id); err != nil {
		return err
	}
	if err := v.ValidateCollection(collection); err != nil {
		return err
	}
	if cv == "" {
		return errors.InvalidChangeVector(cv, nil).WithDetail("reason", "replicated versions need a change vector")
	}
	if err := v.ValidateChangeVector(cv); err != nil {
		return err
	}
	if deleted {
		return nil
	}
	return v.ValidateData(data)
}

// ValidateHiLoKey validates a HiLo key
func (v *Validator) ValidateHiLoKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("hilo key cannot be empty", nil)
	}
	return v.ValidateDocumentID(model.HiLoPrefix + key)
}

// EstimateWriteSize estimates the bytes a document write adds to a batch:
// the document record plus a possible revision snapshot
func EstimateWriteSize(id string, data []byte) uint64 {
	record := len(id)*2 + len(data) + 200 // 200 bytes for change vector, flags and keys
	total := uint64(record * 2)
	return total + (total / 5)
}
