// Package pipeline drives groups through the ordered stage ladder.
//
// The Machine owns transition semantics: it claims an eligible group, resolves
// the calibration artifacts the stage needs, hands the work to the registered
// executor under the configured timeout, and commits the stage transition only
// after the declared output exists on disk. Work that dies mid-stage leaves
// the group claimable again and the unfinished stage simply reruns; executors
// are expected to skip work whose outputs already exist, which is what makes
// the rerun cheap.
//
// Executors are opaque: the numerical calibration and imaging tools live
// outside this process and are wired in through internal/pipeline/execcmd.
package pipeline
