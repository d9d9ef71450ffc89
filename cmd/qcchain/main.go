// Command qcchain runs simulations of the qcchain finality protocol and
// manages finalizer keys.
package main

func main() {
	execute()
}
