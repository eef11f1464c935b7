package home

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

const (
	statsAnsiReset    = "\u001b[0m"
	statsAnsiPink     = "\u001b[35m"
	statsAnsiPinkBold = "\u001b[35;1m"
)

var statsStartTime = time.Now().UTC()

type statsMetrics struct {
	Ping        int64
	GatewayPing int64
	DBLatency   string
}

func statsTitle(text string) string {
	return fmt.Sprintf("%s%s%s", statsAnsiPink, text, statsAnsiReset)
}

func statsKey(text string) string {
	return fmt.Sprintf("%s> %s:%s", statsAnsiPink, text, statsAnsiReset)
}

func statsVal(text string) string {
	return fmt.Sprintf("%s%s%s", statsAnsiPinkBold, text, statsAnsiReset)
}

func handleMusicStats(event *events.ApplicationCommandInteractionCreate) {
	if err := event.DeferCreateMessage(true); err != nil {
		sys.LogDebug("Failed to defer stats: %v", err)
		return
	}

	roundTrip := time.Since(snowflake.ID(event.ID()).Time()).Milliseconds()
	metrics := statsMetrics{
		Ping:        roundTrip,
		GatewayPing: event.Client().Gateway.Latency().Milliseconds(),
	}

	start := time.Now()
	_, _ = sys.GetBotConfig(sys.AppContext, "ping_test")
	metrics.DBLatency = fmt.Sprintf("%.2f", float64(time.Since(start).Microseconds())/1000.0)

	content := fmt.Sprintf("```ansi\n%s\n\n%s\n\n%s\n```",
		systemStats(), appStats(metrics), playerStats(musicEngine.Guilds()))

	update := discord.NewMessageUpdate().
		WithIsComponentsV2(true).
		AddComponents(discord.NewContainer(discord.NewTextDisplay(content)))
	if _, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), update); err != nil {
		sys.LogDebug("Failed to send stats: %v", err)
	}
}

func systemStats() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	usedMem := float64(m.HeapAlloc) / 1024 / 1024
	totalMem := float64(m.Sys) / 1024 / 1024

	return strings.Join([]string{
		statsTitle("System"),
		fmt.Sprintf("%s %s", statsKey("Platform"), statsVal(runtime.GOOS+" "+runtime.GOARCH)),
		fmt.Sprintf("%s %s", statsKey("Go Version"), statsVal(runtime.Version())),
		fmt.Sprintf("%s %s", statsKey("Memory"), statsVal(fmt.Sprintf("%.2f MB / %.2f MB (Sys)", usedMem, totalMem))),
		fmt.Sprintf("%s %s", statsKey("Goroutines"), statsVal(fmt.Sprintf("%d", runtime.NumGoroutine()))),
	}, "\n")
}

func appStats(metrics statsMetrics) string {
	uptime := time.Since(statsStartTime)
	uptimeStr := fmt.Sprintf("%dd %dh %dm", int(uptime.Hours())/24, int(uptime.Hours())%24, int(uptime.Minutes())%60)

	lines := []string{
		statsTitle("App"),
		fmt.Sprintf("%s %s", statsKey("Uptime"), statsVal(uptimeStr)),
	}
	if metrics.GatewayPing > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", statsKey("Gateway"), statsVal(fmt.Sprintf("%dms", metrics.GatewayPing))))
	}
	if metrics.Ping > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", statsKey("API Latency"), statsVal(fmt.Sprintf("%dms", metrics.Ping))))
	}
	if metrics.DBLatency != "" {
		lines = append(lines, fmt.Sprintf("%s %s", statsKey("Database"), statsVal(metrics.DBLatency+"ms")))
	}
	return strings.Join(lines, "\n")
}

// playerStats summarizes every guild the engine currently tracks.
func playerStats(snaps []proc.Snapshot) string {
	var sessions, playing, queued int
	var guilds []string
	for _, s := range snaps {
		if s.HasSession {
			sessions++
		}
		if s.State == proc.StatePlaying {
			playing++
		}
		queued += len(s.Queue)

		if s.State == proc.StateIdle && !s.HasSession {
			continue
		}
		guilds = append(guilds, fmt.Sprintf("%s %s", statsKey(s.GuildID.String()),
			statsVal(fmt.Sprintf("%s, %d queued", s.State, len(s.Queue)))))
	}

	lines := []string{
		statsTitle("Music"),
		fmt.Sprintf("%s %s", statsKey("Sessions"), statsVal(fmt.Sprintf("%d", sessions))),
		fmt.Sprintf("%s %s", statsKey("Playing"), statsVal(fmt.Sprintf("%d", playing))),
		fmt.Sprintf("%s %s", statsKey("Queued"), statsVal(fmt.Sprintf("%d", queued))),
	}
	return strings.Join(append(lines, guilds...), "\n")
}
