package recovery

import (
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"errors"
	"fmt"
)

const requestLabel = "RecoveryRequest"

var ErrInvalidRequest = errors.New("invalid recovery request")

// SignRequest encodes req and signs it with the requesting installation's key.
func SignRequest(identity *keypackage.Identity, req model.RecoveryRequest) ([]byte, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(requestLabel, body)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(model.SignedRecoveryRequest{Request: body, Signature: sig})
}

// OpenRequest decodes a signed request and checks it was signed by the
// installation it names.
func OpenRequest(payload []byte) (model.RecoveryRequest, error) {
	var signed model.SignedRecoveryRequest
	if err := codec.Unmarshal(payload, &signed); err != nil {
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var req model.RecoveryRequest
	if err := codec.Unmarshal(signed.Request, &req); err != nil {
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := signature.VerifyWithLabel(req.Installation, requestLabel, signed.Request, signed.Signature); err != nil {
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}
