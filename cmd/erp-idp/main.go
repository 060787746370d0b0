package main

import "github.com/gematik/erp-idp/cmd/erp-idp/cmd"

func main() {
	cmd.Execute()
}
