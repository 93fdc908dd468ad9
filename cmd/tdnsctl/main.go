/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import "github.com/zonedaemon/tdnsd/cmd/tdnsctl/cmd"

func main() {
	cmd.Execute()
}
