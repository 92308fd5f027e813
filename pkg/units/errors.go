package units

import "errors"

// ErrNegativeAmount marks a row whose price amount is negative. Callers
// treat it as a row-level failure, not a pipeline failure.
var ErrNegativeAmount = errors.New("negative price amount")
