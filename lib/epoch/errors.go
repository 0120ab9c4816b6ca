package epoch

import "errors"

// ErrSlotsExhausted is returned by Manager.Acquire when every slot in
// the table is already held by another guard. Callers see this as a
// signal to configure the store with a larger slot table, not as a
// transient condition to retry.
var ErrSlotsExhausted = errors.New("epoch: no free guard slots")
