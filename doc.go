// Package main provides the efisign CLI tool for Authenticode signing of
// PE/COFF images.
//
// For the library API, see the subpackages:
//
//	import "github.com/efisign/efisign/pkg/authenticode"
//	import "github.com/efisign/efisign/pkg/certtable"
//	import "github.com/efisign/efisign/pkg/certstore"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/efisign/efisign@latest
package main
