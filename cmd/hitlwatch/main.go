// hitlwatch is the operator console for a human-in-the-loop autonomy trainer.
package main

import "github.com/ppiankov/hitlwatch/internal/cli"

func main() {
	cli.Execute()
}
