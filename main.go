package main

import "campuslink/cli"

func main() {
	cli.Execute()
}
