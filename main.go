// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/moychal/odkVaccine/internal/cli"

func main() {
	cli.Execute()
}
