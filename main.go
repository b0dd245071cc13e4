package main

import (
	"github.com/luma/hiqbridge/cmd"
)

func main() {
	cmd.Execute()
}
