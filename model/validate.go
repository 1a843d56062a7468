// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/hex"
	"encoding/json"
	"net/url"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	maxKindValue = 65535

	// DefaultMaxCreatedAtDrift bounds |now - created_at| for inbound events.
	DefaultMaxCreatedAtDrift = stdlibtime.Hour
)

type (
	// Validator runs the validation passes over an inbound event. The zero
	// value runs every pass with DefaultMaxCreatedAtDrift and the built-in
	// schnorr verifier; each pass can be toggled off independently so
	// callers may validate partially, e.g. skip signature checks for
	// events from an already trusted source.
	Validator struct {
		// MaxCreatedAtDrift overrides DefaultMaxCreatedAtDrift. Zero keeps
		// the default so the zero-value Validator stays safe; to disable
		// the timestamp pass set a negative value or SkipTimestampCheck.
		MaxCreatedAtDrift stdlibtime.Duration

		// VerifySignature overrides the built-in verifier over
		// (id, sig, pubkey).
		VerifySignature func(id, sig, pubKey string) (bool, error)

		// Custom may reject an event on arbitrary additional grounds.
		// It runs last.
		Custom func(event *Event) error

		// Now overrides the clock for the timestamp pass.
		Now func() Timestamp

		SkipFieldValidation bool
		SkipTagValidation   bool
		SkipTimestampCheck  bool
		SkipIDCheck         bool
		SkipSignatureCheck  bool
		SkipKindValidation  bool
	}
)

func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return errors.Wrap(ErrMalformedEvent, "nil event")
	}
	if !v.SkipFieldValidation {
		if err := validateFields(event); err != nil {
			return err
		}
	}
	if !v.SkipTagValidation {
		if err := validateTags(event); err != nil {
			return err
		}
	}
	if !v.SkipTimestampCheck {
		if err := v.validateTimestamp(event); err != nil {
			return err
		}
	}
	if !v.SkipIDCheck {
		ok, err := event.CheckID()
		if err != nil {
			return err
		}
		if !ok {
			return validationErrorf("id", "id does not match the content hash")
		}
	}
	if !v.SkipSignatureCheck {
		verify := v.VerifySignature
		if verify == nil {
			verify = VerifySignature
		}
		ok, err := verify(event.ID, event.Sig, event.PubKey)
		if err != nil {
			return errors.Wrap(&ValidationError{Field: "sig", Reason: "signature verification failed"}, err.Error())
		}
		if !ok {
			return validationErrorf("sig", "signature does not verify")
		}
	}
	if !v.SkipKindValidation {
		if err := validateKindSemantics(event); err != nil {
			return err
		}
	}
	if v.Custom != nil {
		if err := v.Custom(event); err != nil {
			return err
		}
	}

	return nil
}

func validateFields(event *Event) error {
	if !isLowerHex(event.ID, 64) {
		return validationErrorf("id", "must be 64 lowercase hex characters")
	}
	if !isLowerHex(event.PubKey, 64) {
		return validationErrorf("pubkey", "must be 64 lowercase hex characters")
	}
	if !isValidCurvePoint(event.PubKey) {
		return validationErrorf("pubkey", "not a valid curve point")
	}
	if !isLowerHex(event.Sig, 128) {
		return validationErrorf("sig", "must be 128 lowercase hex characters")
	}
	if event.Kind < 0 || event.Kind > maxKindValue {
		return validationErrorf("kind", "must be within [0, %v]", maxKindValue)
	}
	if event.CreatedAt < 0 {
		return validationErrorf("created_at", "must be a non-negative unix timestamp")
	}

	return nil
}

func validateTags(event *Event) error {
	for i, tag := range event.Tags {
		if len(tag) == 0 {
			return validationErrorf("tags", "tag %v is empty", i)
		}
	}

	return nil
}

func (v *Validator) validateTimestamp(event *Event) error {
	maxDrift := v.MaxCreatedAtDrift
	if maxDrift == 0 {
		maxDrift = DefaultMaxCreatedAtDrift
	}
	if maxDrift < 0 {
		return nil
	}
	now := Now()
	if v.Now != nil {
		now = v.Now()
	}
	drift := stdlibtime.Duration(int64(now)-int64(event.CreatedAt)) * stdlibtime.Second
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return validationErrorf("created_at", "drifts %v from now, max allowed is %v", drift, maxDrift)
	}

	return nil
}

// validateKindSemantics dispatches kind-specific rules: profile metadata,
// follow list and encrypted direct message each carry extra structure.
func validateKindSemantics(event *Event) error {
	switch event.Kind {
	case KindProfileMetadata:
		return validateKindProfileMetadata(event)
	case KindFollowList:
		return validateKindFollowList(event)
	case KindEncryptedDirectMessage:
		return validateKindDirectMessage(event)
	default:
		return nil
	}
}

func validateKindProfileMetadata(event *Event) error {
	var content map[string]json.RawMessage
	if err := json.Unmarshal([]byte(event.Content), &content); err != nil {
		return validationErrorf("content", "profile metadata content must be a json object")
	}

	return nil
}

func validateKindFollowList(event *Event) error {
	for i, tag := range event.Tags.GetAll(TagP) {
		if !isValidCurvePoint(tag.Value()) {
			return validationErrorf("tags", "follow list p tag %v does not carry a valid pubkey", i)
		}
		if len(tag) >= 4 && tag[3] != "" && tag[2] == "" {
			return validationErrorf("tags", "follow list p tag %v has a petname but no relay url", i)
		}
		if len(tag) >= 3 && tag[2] != "" && !isRelayURL(tag[2]) {
			return validationErrorf("tags", "follow list p tag %v relay field is not a url", i)
		}
	}

	return nil
}

func validateKindDirectMessage(event *Event) error {
	pTags := event.Tags.GetAll(TagP)
	if len(pTags) != 1 {
		return validationErrorf("tags", "direct message must carry exactly one p tag, got %v", len(pTags))
	}
	if !isValidCurvePoint(pTags[0].Value()) {
		return validationErrorf("tags", "direct message p tag does not carry a valid pubkey")
	}

	return nil
}

func isLowerHex(value string, expectedLen int) bool {
	if len(value) != expectedLen {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func isValidCurvePoint(pubKey string) bool {
	pubKeyBytes, err := hex.DecodeString(pubKey)
	if err != nil || len(pubKeyBytes) != schnorr.PubKeyBytesLen {
		return false
	}
	_, err = schnorr.ParsePubKey(pubKeyBytes)

	return err == nil
}

func isRelayURL(value string) bool {
	parsed, err := url.Parse(value)

	return err == nil && (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
}
