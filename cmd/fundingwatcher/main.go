package main

import (
	_ "time/tzdata"

	"funding-rate-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
