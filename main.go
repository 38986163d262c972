package main

import "github.com/nixxel-company-limited/escpos-cloud-printer/cli"

func main() {
	cli.Execute()
}
