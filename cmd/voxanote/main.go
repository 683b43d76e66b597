// Command voxanote runs the vocal-to-MIDI transcription service and its
// offline processing tools.
package main

func main() {
	execute()
}
