package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/audio"
	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

const usage = `usage: sovitsctl <command> [flags]

commands:
  validate     check a configuration file
  probe        inspect a reference audio clip
  say          synthesize text through a running gateway
  set-weights  swap model weights on a running gateway
  version      print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "probe":
		err = runProbe(os.Args[2:])
	case "say":
		err = runSay(os.Args[2:])
	case "set-weights":
		err = runSetWeights(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.StringP("config", "c", "GPT_SoVITS/configs/tts_infer.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: engine=%s port=%d gpt=%s sovits=%s\n",
		cfg.Engine.Mode, cfg.HTTP.Port, cfg.Custom.T2SWeightsPath, cfg.Custom.VITSWeightsPath)
	return nil
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	path := fs.StringP("file", "f", "", "Reference audio clip (wav or mp3)")
	_ = fs.Parse(args)
	if *path == "" {
		return errors.New("--file is required")
	}

	info, err := audio.Probe(*path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d Hz, %d channel(s), %.2fs\n", *path, info.Format, info.SampleRate, info.Channels, info.Duration.Seconds())
	if info.Duration < 3*time.Second || info.Duration > 10*time.Second {
		return errors.New("reference clips must last between 3 and 10 seconds")
	}
	return nil
}

func runSay(args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	server := fs.StringP("server", "s", "http://127.0.0.1:9880", "Gateway base URL")
	text := fs.StringP("text", "t", "", "Text to speak")
	textLang := fs.String("text-lang", "auto", "Language of the text")
	ref := fs.StringP("ref", "r", "", "Reference audio path on the gateway host")
	promptText := fs.String("prompt-text", "", "Transcript of the reference audio")
	promptLang := fs.String("prompt-lang", "auto", "Language of the reference transcript")
	split := fs.String("split", "cut0", "Text split method")
	speed := fs.Float64("speed", 1.0, "Speed factor")
	media := fs.String("media-type", "wav", "Output container (wav|aiff|flac|raw)")
	out := fs.StringP("out", "o", "out.wav", "Output file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	_ = fs.Parse(args)

	if *text == "" || *ref == "" {
		return errors.New("--text and --ref are required")
	}
	req := protocol.SynthesisRequest{
		Text:            *text,
		TextLang:        *textLang,
		RefAudioPath:    *ref,
		PromptLang:      *promptLang,
		PromptText:      promptText,
		TextSplitMethod: split,
		SpeedFactor:     speed,
		MediaType:       media,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(strings.TrimRight(*server, "/")+"/tts", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes (%s) to %s\n", len(data), resp.Header.Get("Content-Type"), *out)
	return nil
}

func runSetWeights(args []string) error {
	fs := flag.NewFlagSet("set-weights", flag.ExitOnError)
	server := fs.StringP("server", "s", "http://127.0.0.1:9880", "Gateway base URL")
	kindName := fs.StringP("kind", "k", "", "Model to swap (gpt|sovits)")
	path := fs.StringP("path", "p", "", "Checkpoint path on the gateway host")
	_ = fs.Parse(args)

	kind, err := synth.ParseKind(*kindName)
	if err != nil {
		return err
	}
	if *path == "" {
		return errors.New("--path is required")
	}

	endpoint := fmt.Sprintf("%s/set_%s_weights?%s", strings.TrimRight(*server, "/"), kind, url.Values{"weights_path": {*path}}.Encode())
	resp, err := http.Get(endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var reply protocol.WeightsReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", reply.Message, reply.Exception)
	}
	fmt.Println(reply.Message)
	return nil
}
