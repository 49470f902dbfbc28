// Command predictduel runs the prediction-market settlement service and its
// operator tooling.
package main

func main() {
	Execute()
}
