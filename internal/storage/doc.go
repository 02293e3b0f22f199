// Package storage provides the shared key/value mirror used for cross-participant
// coordination, plus the small persistence needs of the pipeline:
//
//   - Key/value records with change notifications (Watch)
//   - Raw event dedup state (to survive restarts)
//   - An append-only delivery log of desktop/in-app decisions
package storage
