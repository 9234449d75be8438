package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/models"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingKey       = errors.New("missing caller key")
	ErrBadTimestamp     = errors.New("invalid timestamp")
)

// RequestPayload is the canonical byte string a caller signs:
// {"data":{"args":...,"kwargs":...},"timestamp":...}.
func RequestPayload(args, kwargs json.RawMessage, timestamp json.Number) ([]byte, error) {
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("[]")
	}
	if len(strings.TrimSpace(string(kwargs))) == 0 || string(kwargs) == "null" {
		kwargs = json.RawMessage("{}")
	}
	if _, err := timestamp.Float64(); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, timestamp.String())
	}
	binding := struct {
		Data struct {
			Args   json.RawMessage `json:"args"`
			Kwargs json.RawMessage `json:"kwargs"`
		} `json:"data"`
		Timestamp json.Number `json:"timestamp"`
	}{Timestamp: timestamp}
	binding.Data.Args = args
	binding.Data.Kwargs = kwargs
	canon, err := models.CanonicalJSON(binding)
	if err != nil {
		return nil, fmt.Errorf("canonicalize request payload: %w", err)
	}
	return canon, nil
}

// SignRequest builds a signed envelope for args and kwargs at time now.
func SignRequest(signer keys.Signer, args []interface{}, kwargs map[string]interface{}, now time.Time) (models.Envelope, error) {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("marshal args: %w", err)
	}
	rawKwargs, err := json.Marshal(kwargs)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("marshal kwargs: %w", err)
	}
	ts := json.Number(strconv.FormatFloat(models.UnixSeconds(now), 'f', -1, 64))
	payload, err := RequestPayload(rawArgs, rawKwargs, ts)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{
		Args:      rawArgs,
		Kwargs:    rawKwargs,
		Timestamp: ts,
		Key:       signer.Address(),
		Signature: base64.StdEncoding.EncodeToString(signer.Sign(payload)),
	}, nil
}

// VerifyRequest checks the envelope signature against the claimed caller key.
func VerifyRequest(env models.Envelope) error {
	if strings.TrimSpace(env.Key) == "" {
		return ErrMissingKey
	}
	payload, err := RequestPayload(env.Args, env.Kwargs, env.Timestamp)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !keys.Verify(payload, sig, env.Key) {
		return ErrInvalidSignature
	}
	return nil
}

// RequestTime parses the envelope timestamp (unix seconds).
func RequestTime(env models.Envelope) (time.Time, error) {
	sec, err := env.Timestamp.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, env.Timestamp.String())
	}
	return models.FromUnixSeconds(sec), nil
}

func ResultPayload(result json.RawMessage, timestamp float64) ([]byte, error) {
	if len(strings.TrimSpace(string(result))) == 0 {
		result = json.RawMessage("null")
	}
	return models.CanonicalJSON(struct {
		Data      json.RawMessage `json:"data"`
		Timestamp float64         `json:"timestamp"`
	}{Data: result, Timestamp: timestamp})
}

// SignResult signs a serialized result with the serving module's key.
// The signature binds the result to timing.end.
func SignResult(signer keys.Signer, result json.RawMessage, timing models.Timing) (models.Response, error) {
	payload, err := ResultPayload(result, timing.End)
	if err != nil {
		return models.Response{}, fmt.Errorf("result payload: %w", err)
	}
	return models.Response{
		Result:    result,
		Signature: base64.StdEncoding.EncodeToString(signer.Sign(payload)),
		Key:       signer.Address(),
		Timing:    timing,
	}, nil
}

// VerifyResult checks a response signature. An empty address trusts resp.Key.
func VerifyResult(resp models.Response, address string) error {
	if address == "" {
		address = resp.Key
	}
	if address != resp.Key {
		return fmt.Errorf("%w: response key %s does not match %s", ErrInvalidSignature, resp.Key, address)
	}
	payload, err := ResultPayload(resp.Result, resp.Timing.End)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil || !keys.Verify(payload, sig, address) {
		return ErrInvalidSignature
	}
	return nil
}
