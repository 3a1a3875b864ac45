// Package publish owns data records and their promotion from the staging tier
// to the archive.
//
// A record auto-publishes only when its quality gate passes: qa_status passed,
// validation_status validated, and auto-publish enabled. A qa_status of
// warning blocks the automatic path but still permits a manual publish. The
// move itself runs under an intent lock (status publishing) taken in an
// immediate transaction, so concurrent finalize calls cannot double-publish,
// and the published state commits only after the archive copy is confirmed on
// disk. Failed moves retry with capped exponential backoff until the attempt
// budget is spent, after which the record parks in status failed for an
// operator. Records are never deleted.
package publish
