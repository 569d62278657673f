package diffrast

import "errors"

// Sentinel errors returned by the public API. Wrapped errors always
// satisfy errors.Is against one of these.
var (
	// ErrInvalidFilterMode reports a filter mode outside the closed enum.
	ErrInvalidFilterMode = errors.New("diffrast: invalid filter mode")

	// ErrInvalidBoundaryMode reports a boundary mode outside the closed enum.
	ErrInvalidBoundaryMode = errors.New("diffrast: invalid boundary mode")

	// ErrAutomaticMode reports Acquire or Release on a context that
	// binds automatically.
	ErrAutomaticMode = errors.New("diffrast: context binds automatically")

	// ErrMipWithoutDerivatives reports a mipmapped filter request with
	// no uv derivatives to derive the level of detail from.
	ErrMipWithoutDerivatives = errors.New("diffrast: mipmapped filter requires uv derivatives")

	// ErrMissingDerivatives reports a request for derivative data the
	// forward pass did not produce.
	ErrMissingDerivatives = errors.New("diffrast: derivative data not available")

	// ErrNotCubeTexture reports a cube/non-cube disagreement between
	// the boundary mode and the texture shape.
	ErrNotCubeTexture = errors.New("diffrast: boundary mode and texture shape disagree on cube sampling")

	// ErrBadMipLevel reports a negative mip level limit.
	ErrBadMipLevel = errors.New("diffrast: invalid mip level limit")

	// ErrBadResolution reports a non-positive output resolution.
	ErrBadResolution = errors.New("diffrast: resolution must be positive")

	// ErrShapeMismatch reports a tensor whose shape does not fit the
	// operation's contract.
	ErrShapeMismatch = errors.New("diffrast: tensor shape mismatch")

	// ErrIndexOutOfRange reports a triangle index or range window
	// outside its buffer.
	ErrIndexOutOfRange = errors.New("diffrast: index out of range")

	// ErrMissingRanges reports range-mode positions without ranges.
	ErrMissingRanges = errors.New("diffrast: range-mode positions require ranges")

	// ErrTooManyTriangles reports a triangle list whose ids would not
	// fit the float32 id channel.
	ErrTooManyTriangles = errors.New("diffrast: triangle count exceeds id capacity")

	// ErrContextBound reports Acquire on an already bound context.
	ErrContextBound = errors.New("diffrast: context already bound")

	// ErrContextNotBound reports an operation that requires a bound
	// context in manual mode.
	ErrContextNotBound = errors.New("diffrast: context not bound")

	// ErrContextClosed reports any use of a closed context.
	ErrContextClosed = errors.New("diffrast: context closed")

	// ErrWorkBufferConsumed reports a second backward pass over an
	// antialias work buffer.
	ErrWorkBufferConsumed = errors.New("diffrast: antialias work buffer already consumed")
)
