package main

import "github.com/a2bit/jobtracker/cmd"

func main() {
	cmd.Execute()
}
