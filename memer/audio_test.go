package memer

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oggPage builds a single Ogg page containing the given packets. Each
// packet is encoded with 255-lacing continuation as needed.
func oggPage(t testing.TB, packets ...[]byte) []byte {
	t.Helper()

	var segments []byte
	var body []byte
	for _, packet := range packets {
		remaining := len(packet)
		for {
			if remaining >= 255 {
				segments = append(segments, 255)
				remaining -= 255
			} else {
				segments = append(segments, byte(remaining))
				break
			}
		}
		body = append(body, packet...)
	}
	require.LessOrEqual(t, len(segments), 255)

	header := make([]byte, 27)
	copy(header[0:4], "OggS")
	header[26] = byte(len(segments))

	page := append(header, segments...)
	return append(page, body...)
}

func TestOggOpusReader(t *testing.T) {
	head := []byte("OpusHead-metadata")
	tags := []byte("OpusTags-metadata")
	packet1 := []byte{0x01, 0x02, 0x03}
	packet2 := []byte{0x04, 0x05}

	var stream bytes.Buffer
	stream.Write(oggPage(t, head, tags))
	stream.Write(oggPage(t, packet1, packet2))

	reader := newOggOpusReader(bufio.NewReader(&stream))

	// the OpusHead/OpusTags packets are skipped
	got, err := reader.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, packet1, got)

	got, err = reader.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, packet2, got)

	_, err = reader.NextPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOggOpusReaderLargePacket(t *testing.T) {
	// a packet over 255 bytes spans multiple lacing values
	large := make([]byte, 600)
	for i := range large {
		large[i] = byte(i % 251)
	}

	var stream bytes.Buffer
	stream.Write(oggPage(t, []byte("OpusHead"), []byte("OpusTags")))
	stream.Write(oggPage(t, large))

	reader := newOggOpusReader(bufio.NewReader(&stream))

	got, err := reader.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, large, got)
}

func TestOggOpusReaderInvalidMarker(t *testing.T) {
	stream := bytes.NewBufferString("NotAnOggStreamAtAll........")

	reader := newOggOpusReader(bufio.NewReader(stream))
	_, err := reader.NextPacket()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ogg page marker")
}

func TestOggOpusReaderUnsupportedVersion(t *testing.T) {
	header := make([]byte, 27)
	copy(header[0:4], "OggS")
	header[4] = 1

	reader := newOggOpusReader(bufio.NewReader(bytes.NewReader(header)))
	_, err := reader.NextPacket()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ogg version")
}

func TestOggOpusReaderTruncatedHeader(t *testing.T) {
	reader := newOggOpusReader(
		bufio.NewReader(bytes.NewReader([]byte("Ogg"))),
	)
	_, err := reader.NextPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs(
		QueuedSound{
			Name:   "airhorn",
			Path:   "/data/sounds/airhorn.mp3",
			Volume: 0.5,
		},
	)

	assert.Equal(
		t,
		[]string{
			"-i", "/data/sounds/airhorn.mp3",
			"-af", "loudnorm,volume=0.50",
			"-map_metadata", "-1",
			"-ar", "48000",
			"-ac", "2",
			"-c:a", "libopus",
			"-b:a", "96k",
			"-f", "ogg",
			"pipe:1",
		},
		args,
	)
}

func TestFFmpegArgsTone(t *testing.T) {
	args := ffmpegArgs(QueuedSound{Name: "beep", Tone: true, Volume: 1.0})

	assert.Equal(t, "-f", args[0])
	assert.Equal(t, "lavfi", args[1])
	assert.Equal(t, "-i", args[2])
	assert.Equal(t, "sine=frequency=880:duration=0.4", args[3])
	assert.Contains(t, args, "loudnorm,volume=1.00")
}

func TestFFmpegArgsClampsVolume(t *testing.T) {
	args := ffmpegArgs(QueuedSound{Path: "x.mp3", Volume: 5.0})
	assert.Contains(t, args, "loudnorm,volume=1.00")

	args = ffmpegArgs(QueuedSound{Path: "x.mp3", Volume: -1})
	assert.Contains(t, args, "loudnorm,volume=0.10")
}

func TestClampVolume(t *testing.T) {
	assert.Equal(t, 0.1, clampVolume(0))
	assert.Equal(t, 0.1, clampVolume(-5))
	assert.Equal(t, 0.5, clampVolume(0.5))
	assert.Equal(t, 1.0, clampVolume(1.5))
}

func TestAudioPlayerEnqueueNotConnected(t *testing.T) {
	p := &AudioPlayer{logger: slog.Default()}

	err := p.Enqueue(QueuedSound{Name: "airhorn"})
	assert.Error(t, err)
}

func TestAudioPlayerQueueLimit(t *testing.T) {
	p := &AudioPlayer{
		logger: slog.Default(),
		voice:  &discordgo.VoiceConnection{},
		// pretend playback is running so Enqueue doesn't start the
		// play loop
		playing: true,
	}

	for i := 0; i < maxSoundQueue; i++ {
		require.NoError(t, p.Enqueue(QueuedSound{Name: "sound"}))
	}
	err := p.Enqueue(QueuedSound{Name: "one-too-many"})
	assert.ErrorIs(t, err, ErrSoundQueueFull)

	assert.Len(t, p.Queue(), maxSoundQueue)
}

func TestAudioPlayerStopClearsQueue(t *testing.T) {
	p := &AudioPlayer{
		logger:  slog.Default(),
		voice:   &discordgo.VoiceConnection{},
		playing: true,
	}

	require.NoError(t, p.Enqueue(QueuedSound{Name: "a"}))
	require.NoError(t, p.Enqueue(QueuedSound{Name: "b"}))
	assert.Equal(t, []string{"a", "b"}, p.Queue())

	p.Stop()
	assert.Empty(t, p.Queue())
}

func TestPlayerRegistry(t *testing.T) {
	m := &Memer{logger: slog.Default()}
	registry := newPlayerRegistry(m)

	assert.Nil(t, registry.Peek("guild-1"))

	p := registry.Get("guild-1")
	require.NotNil(t, p)
	assert.Same(t, p, registry.Get("guild-1"))
	assert.Same(t, p, registry.Peek("guild-1"))

	other := registry.Get("guild-2")
	assert.NotSame(t, p, other)
}
