// Package mroenv derives how the external mro formatter is launched: which
// executable to run and which MROPATH it sees.
//
// Both derivations accept the ${workspaceFolder} placeholder used by editor
// settings. The placeholder is substituted before any path is checked on disk
// or made absolute.
package mroenv
