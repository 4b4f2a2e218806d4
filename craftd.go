package main

import (
	"github.com/enVId-tech/craftd/cmd"
)

func main() {
	cmd.Execute()
}
