// Package chat assembles streamed chat replies into conversation state.
//
// A Session posts {"message": text} to the backend and reads the response as
// an event stream of "data: " records. Content records are appended to the
// assistant message as they arrive, [DONE] or the end of the body completes
// it, and an "Error:" record fails it. Whatever happens, the assistant
// message ends with Streaming set to false.
//
// Hosts render from snapshots: Snapshot for a synchronous read, OnChange for
// a callback after every mutation.
package chat
