package convert

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/bogem/id3v2"
	"github.com/dhowden/tag"
	"github.com/go-flac/go-flac"
)

// FFmpegTranscoder shells out to ffmpeg for the actual format conversion and
// stamps the resulting MP3 with ID3 tags so players show something useful.
type FFmpegTranscoder struct {
	Binary  string
	Bitrate string
}

func NewFFmpegTranscoder(binary, bitrate string) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = "128k"
	}
	return &FFmpegTranscoder{Binary: binary, Bitrate: bitrate}
}

func (t *FFmpegTranscoder) Transcode(src, dst, sourceFormat, fallbackTitle string) error {
	if sourceFormat == "flac" {
		// FLAC voice uploads are occasionally truncated; a parse failure here
		// is cheaper to report than a half-transcoded file.
		if _, err := flac.ParseFile(src); err != nil {
			return fmt.Errorf("flac integrity check: %w", err)
		}
	}

	cmd := exec.Command(t.Binary,
		"-y",
		"-i", src,
		"-vn",
		"-map", "0:a:0",
		"-map_metadata", "-1",
		"-c:a", "libmp3lame",
		"-b:a", t.Bitrate,
		"-ar", "44100",
		dst,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, tail(string(out), 400))
	}

	title, artist := probeSourceTags(src)
	if title == "" {
		title = fallbackTitle
	}
	if err := stampMP3(dst, title, artist); err != nil {
		// Tagging is cosmetic; the converted audio is still good
		log.Printf("⚠️ ID3 stamp failed for %s: %v", dst, err)
	}
	return nil
}

// probeSourceTags reads embedded metadata where the container supports it
// (m4a, ogg, flac). Voice-memo formats like amr carry none; both values come
// back empty and the caller falls back to the recording title.
func probeSourceTags(path string) (title, artist string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return "", ""
	}
	return strings.TrimSpace(meta.Title()), strings.TrimSpace(meta.Artist())
}

func stampMP3(path, title, artist string) error {
	mp3Tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer mp3Tag.Close()

	if title != "" {
		mp3Tag.SetTitle(title)
	}
	if artist != "" {
		mp3Tag.SetArtist(artist)
	}
	return mp3Tag.Save()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
