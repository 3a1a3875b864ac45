// Package batch tracks collections of homogeneous work items under a single
// aggregate status. A Tracker persists the batch and recomputes the parent
// status on every item update; a Runner drives each item's group through the
// same stage machinery used for discovered work.
package batch
