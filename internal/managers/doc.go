// Package managers holds the domain managers behind the CLI commands.
//
// Each manager is a thin translation from a domain operation to a
// dispatch.Call. None of them talks HTTP, reads credentials or handles
// retries; all of that lives behind the dispatch.ApiExecutor they are built
// with.
package managers
