package archiver

// findMP3FrameSync finds the position of the first valid MP3 frame sync word.
// MP3 frame sync is: 0xFF followed by a byte whose bits 4-7 are 1110 or 1111.
// Returns -1 if not found.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && ((data[i+1]&0xF0) == 0xE0 || (data[i+1]&0xF0) == 0xF0) {
			return i
		}
	}
	return -1
}
