// Package codec defines the pluggable step codec the sync core depends on.
// The core never inspects step payloads; everything content-aware lives
// behind the Codec interface. TextCodec is the concrete codec for plain-text
// documents and the one the protocol tests exercise.
package codec

import "fmt"

// Codec applies and transforms serialized steps over serialized content.
//
// Transform takes a local step and a remote step that were both produced
// against the same base content, where the remote step has already been
// accepted upstream. It returns the local step adjusted to apply after the
// remote one (the remote step wins position ties), and the remote step
// adjusted to apply after the local one. The second result is what lets a
// rebase carry one remote step past a whole queue of pending local steps.
type Codec interface {
	Apply(content, step string) (string, error)
	Transform(local, remote string) (localPrime, remotePrime string, err error)
}

// TextCodec implements Codec for plain-text content with JSON-encoded
// retain/insert/delete operations as step payloads.
type TextCodec struct{}

func (TextCodec) Apply(content, step string) (string, error) {
	op, err := DecodeOperation(step)
	if err != nil {
		return "", err
	}
	result, err := ApplyOperation(content, op)
	if err != nil {
		return "", fmt.Errorf("apply step: %w", err)
	}
	return result, nil
}

func (TextCodec) Transform(local, remote string) (string, string, error) {
	l, err := DecodeOperation(local)
	if err != nil {
		return "", "", err
	}
	r, err := DecodeOperation(remote)
	if err != nil {
		return "", "", err
	}
	// The remote step was accepted first, so it takes the a slot and wins
	// insert-position ties.
	rPrime, lPrime, err := TransformOperations(r, l)
	if err != nil {
		return "", "", fmt.Errorf("transform step: %w", err)
	}
	return EncodeOperation(lPrime), EncodeOperation(rPrime), nil
}
