package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zhouzirui/assistant-harness/backend/internal/config"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/media"
	modelsession "github.com/zhouzirui/assistant-harness/backend/internal/model/session"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/audio"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/credential"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "chat", "运行模式: chat, decrypt 或 record")
	url := flag.String("url", cfg.Channel.URL, "助手通道地址")
	token := flag.String("token", cfg.Channel.Token, "通道 token")
	language := flag.String("lang", cfg.Channel.Language, "语言: en 或 ar")
	platform := flag.String("platform", cfg.Channel.Platform, "平台: web 或 mobile")
	sessionID := flag.String("session", cfg.Channel.SessionID, "恢复已有会话的 sessionId")
	rotatingID := flag.String("rotating", "", "decrypt: rotatingId")
	salt := flag.String("salt", cfg.Media.Salt, "decrypt: salt")
	nonce := flag.String("nonce", "", "decrypt: base64 nonce")
	blob := flag.String("blob", "", "decrypt: base64 密文 (含 16 字节 tag)")
	issue := flag.String("issue", "", "decrypt: 先用 -salt 签发该明文令牌再解密，验证往返")
	duration := flag.Duration("duration", 3*time.Second, "record: 录音时长")
	out := flag.String("out", "", "record: WAV 输出路径 (默认自动生成)")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "chat":
		channel := cfg.Channel.Session()
		channel.URL, channel.Token = *url, *token
		channel.Language, channel.Platform, channel.SessionID = *language, *platform, *sessionID
		runChat(ctx, cfg, channel)
	case "decrypt":
		if *issue != "" {
			runIssue(*salt, *issue)
			return
		}
		runDecrypt(media.DecryptRequest{
			RotatingID:        *rotatingID,
			Salt:              *salt,
			NonceB64:          *nonce,
			EncryptedTokenB64: *blob,
		})
	case "record":
		runRecord(ctx, cfg, *duration, *out)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=chat、-mode=decrypt 或 -mode=record 指定运行模式")
	}
}

func newRecorder(cfg *config.Config) *audio.Recorder {
	ffmpegCfg := audio.FFmpegConfig{
		Binary:      cfg.Audio.FFmpegBinary,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
	}
	return audio.NewRecorder(
		audio.NewFFmpegMicrophone(ffmpegCfg),
		audio.NewFFmpegDecoder(ffmpegCfg),
		audio.WithPayloadMIME(cfg.Audio.PayloadMIME),
	)
}

func runChat(ctx context.Context, cfg *config.Config, channel modelsession.ChannelConfig) {
	engine := session.NewEngine(session.NewWebSocketDialer(nil), session.WithClearOnClose(cfg.Channel.ClearOnClose))
	recorder := newRecorder(cfg)
	defer func() {
		if err := recorder.Cancel(); err != nil {
			log.Printf("[recorder] cancel failed: %v", err)
		}
	}()

	updates, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	go newPrinter(os.Stdout).watch(updates)

	if err := engine.Connect(ctx, channel); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer engine.Disconnect()

	fmt.Println("输入消息回车发送；命令: /record /stop /cancel /action N /logs /clear /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, engine, recorder, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, engine *session.Engine, recorder *audio.Recorder, line string) bool {
	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "":
		return false
	case "/quit":
		return true
	case "/record":
		if err := recorder.Start(ctx); err != nil {
			log.Printf("[recorder] 无法开始录音: %v", err)
			return false
		}
		fmt.Println("录音中... 输入 /stop 发送，/cancel 放弃")
	case "/stop":
		elapsed := recorder.ElapsedSeconds()
		dataURI, err := recorder.Stop(ctx)
		if err != nil {
			log.Printf("[recorder] 录音处理失败: %v", err)
			return false
		}
		payload, err := session.AudioPayload(dataURI)
		if err != nil {
			log.Printf("[recorder] 构造 AUDIO 消息失败: %v", err)
			return false
		}
		fmt.Printf("发送 %ds 语音\n", elapsed)
		if err := engine.SendMessage(payload); err != nil {
			log.Printf("[session] 发送失败: %v", err)
		}
	case "/cancel":
		if err := recorder.Cancel(); err != nil {
			log.Printf("[recorder] 取消失败: %v", err)
		}
	case "/action":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			fmt.Println("用法: /action N")
			return false
		}
		action, messageID, err := resolveAction(engine.Snapshot(), n)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := engine.SendAction(action, messageID); err != nil {
			log.Printf("[session] 发送动作失败: %v", err)
		}
	case "/logs":
		for _, entry := range engine.Snapshot().Logs {
			fmt.Printf("%s [%s] %s\n", entry.Timestamp.Format(time.TimeOnly), entry.Kind, entry.Message)
		}
	case "/clear":
		engine.ClearMessages()
		engine.ClearLogs()
	default:
		payload := line
		if !strings.HasPrefix(line, "{") {
			var err error
			if payload, err = session.TextPayload(line); err != nil {
				log.Printf("[session] 构造消息失败: %v", err)
				return false
			}
		}
		if err := engine.SendMessage(payload); err != nil {
			log.Printf("[session] 发送失败: %v", err)
		}
	}
	return false
}

func runDecrypt(req media.DecryptRequest) {
	handshake := credential.NewHandshake("")
	plaintext, err := handshake.DecryptToken(req)
	if err != nil {
		log.Fatalf("解密失败: %v", err)
	}
	fmt.Println(plaintext)
}

func runIssue(salt, token string) {
	handshake := credential.NewHandshake(salt)
	issued, err := handshake.IssueToken(token)
	if err != nil {
		log.Fatalf("签发失败: %v", err)
	}
	fmt.Printf("rotatingId=%s\nnonceB64=%s\nencryptedTokenB64=%s\n", issued.RotatingID, issued.NonceB64, issued.EncryptedTokenB64)

	runDecrypt(media.DecryptRequest{
		RotatingID:        issued.RotatingID,
		NonceB64:          issued.NonceB64,
		EncryptedTokenB64: issued.EncryptedTokenB64,
		Salt:              salt,
	})
}

func runRecord(ctx context.Context, cfg *config.Config, duration time.Duration, out string) {
	recorder := newRecorder(cfg)
	if err := recorder.Start(ctx); err != nil {
		log.Fatalf("无法开始录音: %v", err)
	}

	log.Printf("录音 %s ...", duration)
	select {
	case <-ctx.Done():
		_ = recorder.Cancel()
		return
	case <-time.After(duration):
	}

	dataURI, err := recorder.Stop(context.Background())
	if err != nil {
		log.Fatalf("录音处理失败: %v", err)
	}

	_, encoded, _ := strings.Cut(dataURI, ",")
	wav, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		log.Fatalf("解析录音失败: %v", err)
	}
	if out == "" {
		out = fmt.Sprintf("recording-%d.wav", time.Now().Unix())
	}
	if err := os.WriteFile(out, wav, 0o644); err != nil {
		log.Fatalf("写入文件失败: %v", err)
	}

	header, err := audio.ReadWAVHeader(wav)
	if err != nil {
		log.Fatalf("WAV 校验失败: %v", err)
	}
	log.Printf("已写入 %s: %d Hz, %d 声道, %dms", out, header.SampleRate, header.Channels, header.Duration())
}
