// SPDX-License-Identifier: MPL-2.0

// Command kiln turns a declared computation into a cached container image
// and executes it, streaming typed output components back to the terminal.
package main

import (
	cmd "github.com/kilnlabs/kiln/cmd/kiln"
)

func main() {
	cmd.Execute()
}
