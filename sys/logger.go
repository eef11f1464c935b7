package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)
	debugColor = color.New(color.FgHiBlack)

	databaseColor = color.New()
	loaderColor   = color.New(color.FgBlue)
	musicColor    = color.New(color.FgMagenta)
	resolverColor = color.New(color.FgHiMagenta)
	panelColor    = color.New(color.FgGreen)
	reaperColor   = color.New(color.FgHiBlack)

	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	if LogToFile {
		logName := GetProjectName() + ".log"
		if exePath, err := os.Executable(); err == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		f, err := os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			logFile = f
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	Logger = slog.New(NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	}))
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// LogFatal logs and panics so deferred cleanup in main still runs.
func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogLoader(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "loader"))
}

func LogMusic(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "music"))
}

func LogResolver(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "resolver"))
}

func LogPanel(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "panel"))
}

func LogReaper(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "reaper"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{w: w, opts: opts, mu: &sync.Mutex{}}
}

func (h *BotLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	levelStr, levelColor := levelLabel(r.Level)

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", time.Now().Format(DefaultTimeFormat))

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(getComponentColor(component), fmt.Sprintf("[%s] %s", component, r.Message)))
		return nil
	}

	displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
	if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
		if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
			displayMsg = r.Message
		}
	}
	fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func levelLabel(l slog.Level) (string, *color.Color) {
	switch {
	case l >= slog.LevelError+4:
		return "FATAL", fatalColor
	case l >= slog.LevelError:
		return "ERROR", errorColor
	case l >= slog.LevelWarn:
		return "WARN", warnColor
	case l >= slog.LevelInfo:
		return "INFO", infoColor
	default:
		return "DEBUG", debugColor
	}
}

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "LOADER":
		return loaderColor
	case "MUSIC":
		return musicColor
	case "RESOLVER":
		return resolverColor
	case "PANEL":
		return panelColor
	case "REAPER":
		return reaperColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]
	return c.Sprint(strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq))
}

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{w: w, re: regexp.MustCompile(`\x1b\[[0-9;]*m`)}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	_, err = s.w.Write(s.re.ReplaceAll(p, nil))
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad   = "Failed to load config: %v"
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuild   = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigInvalidValue   = "invalid %s: %v"
	MsgConfigClamped        = "%s=%s is out of range, using %s"
	MsgLogFile              = "Logging to %s"
	MsgDatabaseInitSuccess  = "Database initialized successfully"
	MsgDatabaseTableError   = "Failed to create table: %w"
	MsgDatabasePragmaError  = "Failed to set pragma %s: %w"
	MsgDaemonStarting       = "Starting..."
	MsgBotStarting          = "Starting %s..."
	MsgBotReady             = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown          = "Shutting down %s..."
	MsgBotRegisterFail      = "Command registration failed: %v"
	MsgGenericError         = "%v"
	MsgLoaderSyncCommands   = "Syncing %s commands..."
	MsgLoaderUpToDate       = "Commands are up to date. (Hash: %s)"
	MsgLoaderRegistered     = "Registered: %s"
	MsgLoaderRegisterFail   = "Registration failed: %w"
	MsgLoaderPanicRecovered = "Panic recovered in handler: %v"

	// --- Music Core ---
	MsgMusicEnqueued          = "Queued %q in guild %s by %s (position %d)"
	MsgMusicStarting          = "Starting playback in guild %s (channel %s)"
	MsgMusicConnectFailed     = "Failed to connect to voice in guild %s: %v"
	MsgMusicResolveFailed     = "Skipping %q in guild %s: %v"
	MsgMusicPlaying           = "Playing: %s (%s) in guild %s"
	MsgMusicTrackEnded        = "Track finished in guild %s: %s"
	MsgMusicPlaybackFault     = "Playback fault in guild %s, advancing: %v"
	MsgMusicExhausted         = "Queue exhausted in guild %s, releasing session"
	MsgMusicSkipped           = "User %s skipped the current track in guild %s"
	MsgMusicStopped           = "User %s stopped playback in guild %s"
	MsgMusicTeardown          = "Tearing down guild %s (%s)"
	MsgMusicParkFailed        = "Failed to park voice connection in guild %s: %v"
	MsgMusicIdleDisconnect    = "Idle timeout reached, leaving voice in guild %s"
	MsgMusicPaused            = "Pausing playback in guild %s (%s)"
	MsgMusicResumed           = "Resuming playback in guild %s (%s)"
	MsgMusicBotDisconnected   = "Bot disconnected by external event in guild %s"
	MsgMusicPersistFail       = "Failed to persist queue for guild %s: %v"
	MsgMusicRehydrated        = "Rehydrated %d queued track(s) for guild %s"
	MsgMusicRehydrateFail     = "Failed to rehydrate queue %s: %v"
	MsgMusicAnnounceFail      = "Failed to announce track in guild %s: %v"
	MsgMusicStatusUpdateFail  = "Failed to update voice status for %s: %v (retrying...)"
	MsgMusicShutdown          = "Shutting down music engine..."
	MsgMusicSleepArmed        = "Sleep timer armed for guild %s at %s"
	MsgMusicSleepFired        = "Sleep timer fired for guild %s"
	MsgMusicPresenceFail      = "Failed to update presence: %v"
	MsgMusicTransferred       = "Session in guild %s handed from %s to %s"
	MsgMusicExhaustedNotify   = "Failed to report exhausted queue in guild %s: %v"
	MsgResolverSearching      = "Searching %s for %q"
	MsgResolverProviderFailed = "Provider %s failed for %q: %v"
	MsgResolverOpenFailed     = "Failed to open %s: %v"
	MsgResolverResolved       = "Resolved %q via %s: %s"
	MsgPanelEditFailed        = "Failed to edit panel in guild %s: %v"
	MsgPanelStale             = "Panel message in guild %s is gone, posting a new one"
	MsgPanelPostFailed        = "Failed to post panel in guild %s: %v"
	MsgPanelRecordFailed      = "Failed to persist panel record for guild %s: %v"
	MsgPanelPlaced            = "Panel placed in channel %s for guild %s"
	MsgPanelAutoPlaced        = "No panel in guild %s yet, posting one in channel %s"
	MsgReaperSwept            = "Swept %d stale guild(s)"

	// --- Music User Surface ---
	MsgMusicReplyQueued      = "✅ Added to queue: **%s**"
	MsgMusicReplyQueuedBatch = "✅ Added **%d** tracks to queue."
	MsgMusicReplyStarting    = "🎶 Starting: **%s**"
	MsgMusicReplySkipped     = "⏭️ Skipped."
	MsgMusicReplyStopped     = "🛑 Stopped and cleared the queue."
	MsgMusicReplyPaused      = "⏸️ Paused."
	MsgMusicReplyResumed     = "▶️ Resumed."
	MsgMusicReplyPanel       = "Control panel posted."
	MsgMusicReplyReleased    = "Released the music session held by <@%s>."
	MsgMusicReplyTransferred = "🔑 <@%s> now controls the music (was <@%s>)."
	MsgMusicReplySleep       = "💤 Playback will stop %s."
	MsgMusicReplySleepOff    = "💤 Sleep timer cancelled."
	MsgMusicSearchTitle      = "Search music"
	MsgMusicSearchLabel      = "Song name or URL"
	MsgMusicSearchResults    = "Pick a track for **%s**:"
	MsgMusicSearchPick       = "Choose a track..."
	MsgMusicQueueHeader      = "**Queue**\n"
	MsgMusicQueueEmpty       = "_Empty_"
	MsgMusicQueueMore        = "\n*...and %d more*"
	MsgMusicNowPlaying       = "▶️ **Now Playing:**\n%s\n\n"
	MsgMusicQueueLine        = "%d. %s `%s` · <@%s>"
	MsgMusicAnnounce         = "🎶 Now playing: **%s** `%s`, requested by <@%s>"
	MsgMusicPanelHeader      = "## 🎵 Music"
	MsgMusicPanelIdle        = "Nothing is playing. Press 🔎 or use `/music play` to start."
	MsgMusicPanelPlaying     = "▶️ **%s** `%s` · <@%s>"
	MsgMusicPanelPaused      = "⏸️ **%s** `%s` · <@%s>"
	MsgMusicPanelLoading     = "⏳ Loading **%s**..."
	MsgMusicPanelUpNext      = "**Up next**"
	MsgMusicPanelOwner       = "-# 🔒 Controlled by <@%s>"
	ErrMusicOwnership        = "🔒 <@%s> is controlling the music right now."
	ErrMusicNotInVoice       = "You must be in a voice channel to use music controls."
	ErrMusicNoResults        = "No playable results found for **%s**."
	ErrMusicConnect          = "I couldn't join your voice channel."
	ErrMusicNothingPlaying   = "Nothing is playing."
	ErrMusicNoSession        = "There is no active music session."
	ErrMusicGuildOnly        = "This command can only be used in a server."
	ErrMusicNotDJ            = "Only the session owner, the DJ role or server managers can do that."
	ErrMusicTransferBot      = "The music session can only be handed to a member."
	ErrMusicSearchExpired    = "These search results have expired, please search again."
	ErrMusicSleepParse       = "Couldn't understand that time. Try `in 30 minutes` or `at 11pm`."
	ErrMusicSleepPast        = "The sleep time must be in the future."
	ErrMusicGeneric          = "Something went wrong: %v"
)
