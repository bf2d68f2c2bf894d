package gpbot

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/crypto/argon2"
)

const loggerContextKey contextKey = "logger"

var (
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32
)

type contextKey string

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			jsonTag = ""
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		default:
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, columnChannelID, i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, columnGuildID, i.GuildID)
	}
	return logAttrs
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"message_id", m.ID,
		columnChannelID, m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, columnGuildID, m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, columnUserID, m.Author.ID)
	}
	return attrs
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// derive64ByteKey derives a 64-byte key from the given string, for use
// as a cookie signing key
func derive64ByteKey(input string) []byte {
	hash := sha512.Sum512([]byte(input))
	return hash[:]
}

// argon2Params are the Argon2id parameters encoded in a stored hash
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	Salt    []byte
	Hash    []byte
}

var errInvalidHash = errors.New("invalid hash format")

func (p argon2Params) String() string {
	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(p.Salt),
		base64.RawStdEncoding.EncodeToString(p.Hash),
	)
}

func (p argon2Params) key(password string) []byte {
	return argon2.IDKey(
		[]byte(password),
		p.Salt,
		p.Time,
		p.Memory,
		p.Threads,
		uint32(len(p.Hash)),
	)
}

func parseArgon2Hash(storedHash string) (argon2Params, error) {
	var p argon2Params
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, errInvalidHash
	}

	var memory, argonTime, threads int
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &argonTime, &threads); err != nil {
		return p, errInvalidHash
	}
	if memory <= 0 || argonTime <= 0 || threads <= 0 || threads > 255 {
		return p, errInvalidHash
	}
	p.Memory = uint32(memory)
	p.Time = uint32(argonTime)
	p.Threads = uint8(threads)

	var err error
	if p.Salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, errors.New("invalid salt")
	}
	if p.Hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, errors.New("invalid hash")
	}
	return p, nil
}

// hashPassword hashes a password with Argon2id and a random salt
func hashPassword(password string) (string, error) {
	p := argon2Params{
		Memory:  argon2Memory,
		Time:    argon2Time,
		Threads: argon2Threads,
		Salt:    make([]byte, 16),
		Hash:    make([]byte, argon2KeyLen),
	}
	if _, err := rand.Read(p.Salt); err != nil {
		return "", err
	}
	p.Hash = p.key(password)
	return p.String(), nil
}

// HashPassword hashes a password for storage as
// [RuntimeConfig.AdminPassword]
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

// verifyPassword checks if the provided password matches the stored hash
func verifyPassword(storedHash, password string) (bool, error) {
	p, err := parseArgon2Hash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.Hash, p.key(password)) == 1, nil
}
