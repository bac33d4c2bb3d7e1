package memer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// opusSendTimeout guards against a dead voice connection blocking
	// the playback goroutine forever
	opusSendTimeout = 5 * time.Second

	maxSoundQueue = 25
)

var ErrSoundQueueFull = errors.New("sound queue full")

// QueuedSound is one entry in a guild's playback queue.
type QueuedSound struct {
	Name        string
	Path        string
	Volume      float64
	RequestedBy string

	// Tone generates a test tone instead of reading a file
	Tone bool
}

// playerRegistry tracks one AudioPlayer per guild.
type playerRegistry struct {
	m  *Memer
	mu sync.Mutex

	players map[string]*AudioPlayer
}

func newPlayerRegistry(m *Memer) *playerRegistry {
	return &playerRegistry{m: m, players: map[string]*AudioPlayer{}}
}

// Get returns the guild's player, creating it if needed.
func (r *playerRegistry) Get(guildID string) *AudioPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[guildID]
	if !ok {
		p = newAudioPlayer(r.m, guildID)
		r.players[guildID] = p
	}
	return p
}

// Peek returns the guild's player if one exists.
func (r *playerRegistry) Peek(guildID string) *AudioPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.players[guildID]
}

// StopAll stops playback and disconnects voice in every guild.
func (r *playerRegistry) StopAll() {
	r.mu.Lock()
	players := make([]*AudioPlayer, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	r.mu.Unlock()

	for _, p := range players {
		p.Stop()
		p.Disconnect()
	}
}

// AudioPlayer plays queued sounds over a guild's voice connection.
// Sounds are transcoded with ffmpeg (loudnorm plus per-sound volume)
// to Ogg/Opus and streamed packet-by-packet to the gateway.
type AudioPlayer struct {
	m       *Memer
	guildID string
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []QueuedSound
	voice   *discordgo.VoiceConnection
	playing bool

	// skip cancels the in-flight sound without clearing the queue
	skip context.CancelFunc

	idleTimer *time.Timer
}

func newAudioPlayer(m *Memer, guildID string) *AudioPlayer {
	return &AudioPlayer{
		m:       m,
		guildID: guildID,
		logger: m.logger.With(
			loggerNameKey, "audio",
			"guild_id", guildID,
		),
	}
}

// Join connects (or moves) to the given voice channel.
func (p *AudioPlayer) Join(channelID string) error {
	vc, err := p.m.discord.session.ChannelVoiceJoin(
		p.guildID,
		channelID,
		false,
		true,
	)
	if err != nil {
		p.recordVoiceError(err)
		return err
	}
	p.mu.Lock()
	p.voice = vc
	p.mu.Unlock()
	p.resetIdleTimer()
	return nil
}

// Connected reports whether the player has a live voice connection.
func (p *AudioPlayer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice != nil
}

// Disconnect leaves the voice channel.
func (p *AudioPlayer) Disconnect() {
	p.mu.Lock()
	vc := p.voice
	p.voice = nil
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()

	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			p.logger.Warn("error disconnecting voice", tint.Err(err))
		}
	}
}

// Enqueue adds a sound to the queue and starts playback if idle.
func (p *AudioPlayer) Enqueue(sound QueuedSound) error {
	p.mu.Lock()
	if p.voice == nil {
		p.mu.Unlock()
		return errors.New("not connected to a voice channel")
	}
	if len(p.queue) >= maxSoundQueue {
		p.mu.Unlock()
		return ErrSoundQueueFull
	}
	p.queue = append(p.queue, sound)
	start := !p.playing
	if start {
		p.playing = true
	}
	p.mu.Unlock()

	if start {
		go p.playLoop()
	}
	return nil
}

// Queue returns the names of queued sounds (not including the one
// playing).
func (p *AudioPlayer) Queue() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.queue))
	for _, s := range p.queue {
		names = append(names, s.Name)
	}
	return names
}

// Skip cancels the currently playing sound.
func (p *AudioPlayer) Skip() {
	p.mu.Lock()
	skip := p.skip
	p.mu.Unlock()
	if skip != nil {
		skip()
	}
}

// Stop clears the queue and cancels the current sound.
func (p *AudioPlayer) Stop() {
	p.mu.Lock()
	p.queue = nil
	skip := p.skip
	p.mu.Unlock()
	if skip != nil {
		skip()
	}
}

func (p *AudioPlayer) pop() (QueuedSound, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		p.playing = false
		return QueuedSound{}, false
	}
	sound := p.queue[0]
	p.queue = p.queue[1:]
	return sound, true
}

func (p *AudioPlayer) playLoop() {
	for {
		sound, ok := p.pop()
		if !ok {
			p.resetIdleTimer()
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		p.skip = cancel
		p.mu.Unlock()

		err := p.play(ctx, sound)
		cancel()
		p.mu.Lock()
		p.skip = nil
		p.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error(
				"playback failed",
				"sound", sound.Name,
				tint.Err(err),
			)
			p.recordVoiceError(err)
		}
	}
}

// ffmpegArgs builds the transcode command line for a queued sound.
func ffmpegArgs(sound QueuedSound) []string {
	volume := clampVolume(sound.Volume)
	var input []string
	if sound.Tone {
		input = []string{"-f", "lavfi", "-i", "sine=frequency=880:duration=0.4"}
	} else {
		input = []string{"-i", sound.Path}
	}
	args := append(input,
		"-af", fmt.Sprintf("loudnorm,volume=%.2f", volume),
		"-map_metadata", "-1",
		"-ar", "48000",
		"-ac", "2",
		"-c:a", "libopus",
		"-b:a", "96k",
		"-f", "ogg",
		"pipe:1",
	)
	return args
}

// play transcodes one sound and streams it to the voice connection.
func (p *AudioPlayer) play(ctx context.Context, sound QueuedSound) error {
	p.mu.Lock()
	vc := p.voice
	p.mu.Unlock()
	if vc == nil {
		return errors.New("voice connection closed")
	}

	cmd := exec.CommandContext(ctx, p.m.config.FFmpegPath, ffmpegArgs(sound)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}
	defer func() {
		_ = cmd.Wait()
	}()

	if err = vc.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state: %w", err)
	}
	defer func() {
		_ = vc.Speaking(false)
	}()

	reader := newOggOpusReader(bufio.NewReaderSize(stdout, 16384))
	for {
		packet, readErr := reader.NextPacket()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case vc.OpusSend <- packet:
		case <-time.After(opusSendTimeout):
			return errors.New("timed out sending opus packet")
		}
	}
}

// resetIdleTimer schedules a voice disconnect after the guild's idle
// timeout. Any new playback cancels it.
func (p *AudioPlayer) resetIdleTimer() {
	timeout := p.idleTimeout()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	if p.voice == nil || timeout <= 0 {
		return
	}
	p.idleTimer = time.AfterFunc(
		timeout, func() {
			p.mu.Lock()
			idle := !p.playing && len(p.queue) == 0
			p.mu.Unlock()
			if idle {
				p.logger.Info("idle timeout, leaving voice channel")
				p.Disconnect()
			}
		},
	)
}

func (p *AudioPlayer) idleTimeout() time.Duration {
	var vs VoiceSettings
	err := p.m.writeDB.DB().
		Where("guild_id = ?", p.guildID).
		First(&vs).Error
	if err == nil && vs.IdleTimeout.Duration > 0 {
		return vs.IdleTimeout.Duration
	}
	return p.m.config.Voice.IdleTimeout
}

// recordVoiceError stores the most recent playback failure so admins
// can inspect it without scraping logs.
func (p *AudioPlayer) recordVoiceError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vs := VoiceSettings{GuildID: p.guildID, EntranceEnabled: true}
	db := p.m.writeDB.DB().WithContext(ctx)
	if findErr := db.Where(
		"guild_id = ?", p.guildID,
	).First(&vs).Error; findErr != nil {
		vs.LastError = err.Error()
		if _, createErr := p.m.writeDB.Create(ctx, &vs); createErr != nil {
			p.logger.Warn("error recording voice error", tint.Err(createErr))
		}
		return
	}
	if _, updateErr := p.m.writeDB.Update(
		ctx,
		&vs,
		columnVoiceSettingsLastError,
		err.Error(),
	); updateErr != nil {
		p.logger.Warn("error recording voice error", tint.Err(updateErr))
	}
}

// oggOpusReader extracts opus packets from an Ogg stream, as produced
// by ffmpeg's ogg muxer. The OpusHead and OpusTags header packets are
// skipped; everything else goes to the gateway as-is.
type oggOpusReader struct {
	r *bufio.Reader

	// segments holds the lacing values of the current page
	segments []byte
	segIdx   int

	// partial accumulates a packet that spans lacing values/pages
	partial []byte

	headersSkipped int
}

func newOggOpusReader(r *bufio.Reader) *oggOpusReader {
	return &oggOpusReader{r: r}
}

// NextPacket returns the next opus packet, or io.EOF at end of stream.
func (o *oggOpusReader) NextPacket() ([]byte, error) {
	for {
		packet, err := o.nextRawPacket()
		if err != nil {
			return nil, err
		}
		// the first two packets are OpusHead / OpusTags metadata
		if o.headersSkipped < 2 {
			o.headersSkipped++
			continue
		}
		return packet, nil
	}
}

func (o *oggOpusReader) nextRawPacket() ([]byte, error) {
	for {
		if o.segIdx >= len(o.segments) {
			if err := o.readPageHeader(); err != nil {
				return nil, err
			}
			continue
		}

		lacing := o.segments[o.segIdx]
		o.segIdx++

		chunk := make([]byte, int(lacing))
		if _, err := io.ReadFull(o.r, chunk); err != nil {
			return nil, err
		}
		o.partial = append(o.partial, chunk...)

		// a lacing value of 255 means the packet continues
		if lacing == 255 {
			continue
		}
		packet := o.partial
		o.partial = nil
		return packet, nil
	}
}

// readPageHeader consumes one Ogg page header and loads its segment
// table.
func (o *oggOpusReader) readPageHeader() error {
	header := make([]byte, 27)
	if _, err := io.ReadFull(o.r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if string(header[0:4]) != "OggS" {
		return fmt.Errorf(
			"invalid ogg page marker: %q",
			string(header[0:4]),
		)
	}
	if header[4] != 0 {
		return fmt.Errorf("unsupported ogg version: %d", header[4])
	}
	_ = binary.LittleEndian.Uint64(header[6:14]) // granule position

	numSegments := int(header[26])
	segments := make([]byte, numSegments)
	if _, err := io.ReadFull(o.r, segments); err != nil {
		return err
	}
	o.segments = segments
	o.segIdx = 0
	return nil
}
