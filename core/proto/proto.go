// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proto defines the request and response carried inside sealed
// frames.  Both directions are CBOR maps with string keys.
package proto

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/language"

	"github.com/katzenpost/polyglot/core/wire"
)

const (
	// DefaultSourceLanguage is used when a request omits source_lang.
	DefaultSourceLanguage = "da"

	// DefaultTargetLanguage is used when a request omits target_lang.
	DefaultTargetLanguage = "en"

	// FallbackBackendID marks a response produced without the backend.
	FallbackBackendID = "fallback"

	// ErrorBackendID marks an error response.
	ErrorBackendID = "error"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// ErrServerError is returned to the client when the server answered
	// with an error response.
	ErrServerError = errors.New("proto: server returned an error response")
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Request is a processing request.
type Request struct {
	Text           string `cbor:"text"`
	SourceLanguage string `cbor:"source_lang,omitempty"`
	TargetLanguage string `cbor:"target_lang,omitempty"`
}

// ApplyDefaults fills in missing languages.
func (r *Request) ApplyDefaults(src, dst string) {
	if r.SourceLanguage == "" {
		r.SourceLanguage = src
	}
	if r.TargetLanguage == "" {
		r.TargetLanguage = dst
	}
}

// Validate checks the request schema.
func (r *Request) Validate() error {
	if r.Text == "" {
		return &wire.InvalidRequestError{Field: "text", Message: "must not be empty"}
	}
	for field, tag := range map[string]string{"source_lang": r.SourceLanguage, "target_lang": r.TargetLanguage} {
		if tag == "" {
			continue
		}
		if _, err := language.Parse(tag); err != nil {
			return &wire.InvalidRequestError{Field: field, Message: "not a language tag", UnderlyingError: err}
		}
	}
	return nil
}

// Pair returns the request's language pair.
func (r *Request) Pair() LanguagePair {
	return LanguagePair{Source: r.SourceLanguage, Target: r.TargetLanguage}
}

// Marshal encodes the request.
func (r *Request) Marshal() ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeRequest decodes and validates a request.  Every failure is a
// *wire.InvalidRequestError.
func DecodeRequest(b []byte) (*Request, error) {
	r := new(Request)
	if err := decMode.Unmarshal(b, r); err != nil {
		return nil, &wire.InvalidRequestError{Message: "undecodable payload", UnderlyingError: err}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Response is the result of a request.
type Response struct {
	ResultText string  `cbor:"result_text"`
	Confidence float64 `cbor:"confidence"`
	BackendID  string  `cbor:"backend_id"`
	Error      string  `cbor:"error,omitempty"`
}

// Validate checks the response schema.
func (r *Response) Validate() error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("proto: confidence %v out of range", r.Confidence)
	}
	if r.BackendID == "" {
		return errors.New("proto: missing backend_id")
	}
	return nil
}

// Marshal encodes the response.
func (r *Response) Marshal() ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeResponse decodes and validates a response.
func DecodeResponse(b []byte) (*Response, error) {
	r := new(Response)
	if err := decMode.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("proto: undecodable response: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// IsError reports whether the response is an error response.
func (r *Response) IsError() bool {
	return r.Error != ""
}

// Err returns an error wrapping ErrServerError for error responses.
func (r *Response) Err() error {
	if !r.IsError() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrServerError, r.Error)
}

// FallbackResponse echoes the request text with zero confidence.
func FallbackResponse(req *Request) *Response {
	return &Response{
		ResultText: req.Text,
		Confidence: 0,
		BackendID:  FallbackBackendID,
	}
}

// ErrorResponse describes err without echoing any request content.
func ErrorResponse(err error) *Response {
	msg := "invalid request"
	var ire *wire.InvalidRequestError
	if errors.As(err, &ire) {
		if ire.Field != "" {
			msg += ": " + ire.Field
		}
		if ire.Message != "" {
			msg += ": " + ire.Message
		}
	}
	return &Response{
		Confidence: 0,
		BackendID:  ErrorBackendID,
		Error:      msg,
	}
}

// LanguagePair is a source and target language.
type LanguagePair struct {
	Source string
	Target string
}

func (p LanguagePair) String() string {
	return p.Source + ":" + p.Target
}

// ParseLanguagePair parses "src:dst", both sides BCP 47 tags.  Tags are
// returned in canonical form.
func ParseLanguagePair(s string) (LanguagePair, error) {
	src, dst, ok := strings.Cut(s, ":")
	if !ok {
		return LanguagePair{}, fmt.Errorf("proto: language pair '%s' is not of the form src:dst", s)
	}
	srcTag, err := language.Parse(src)
	if err != nil {
		return LanguagePair{}, fmt.Errorf("proto: language pair '%s': %v", s, err)
	}
	dstTag, err := language.Parse(dst)
	if err != nil {
		return LanguagePair{}, fmt.Errorf("proto: language pair '%s': %v", s, err)
	}
	return LanguagePair{Source: srcTag.String(), Target: dstTag.String()}, nil
}

// Canonical returns p with both tags canonicalized.  Unparseable tags are
// kept as is.
func (p LanguagePair) Canonical() LanguagePair {
	if t, err := language.Parse(p.Source); err == nil {
		p.Source = t.String()
	}
	if t, err := language.Parse(p.Target); err == nil {
		p.Target = t.String()
	}
	return p
}
