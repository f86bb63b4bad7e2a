// Package playback plays 16-bit PCM wave data through the system audio
// device using oto/v3, and parses the RIFF headers that locate the sample
// data inside a wave file.
package playback
