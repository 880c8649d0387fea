package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JohnPlummer/jp-go-aiproxy/logging"
)

var _ = Describe("Logging", func() {
	DescribeTable("ParseLevel",
		func(input string, expected slog.Level) {
			level, err := logging.ParseLevel(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(level).To(Equal(expected))
		},
		Entry("empty defaults to info", "", slog.LevelInfo),
		Entry("debug", "debug", slog.LevelDebug),
		Entry("upper case", "WARN", slog.LevelWarn),
		Entry("warning alias", "warning", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
	)

	It("rejects unknown levels", func() {
		_, err := logging.ParseLevel("verbose")
		Expect(err).To(MatchError(ContainSubstring("verbose")))

		_, err = logging.New(logging.Options{Level: "verbose"})
		Expect(err).To(HaveOccurred())
	})

	It("writes JSON in production", func() {
		var buf bytes.Buffer
		logger, err := logging.New(logging.Options{Output: &buf, Level: "info"})
		Expect(err).NotTo(HaveOccurred())

		logger.Debug("hidden")
		logger.Info("circuit breaker state changed", "to", "open")

		var line map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &line)).To(Succeed())
		Expect(line).To(HaveKeyWithValue("msg", "circuit breaker state changed"))
		Expect(line).To(HaveKeyWithValue("to", "open"))
	})

	It("writes console output in development", func() {
		var buf bytes.Buffer
		logger, err := logging.New(logging.Options{Output: &buf, Level: "debug", Development: true, NoColor: true})
		Expect(err).NotTo(HaveOccurred())

		logger.Debug("retrying request after delay", "retry", 1)

		Expect(buf.String()).To(ContainSubstring("retrying request after delay"))
		Expect(buf.String()).To(ContainSubstring("retry=1"))
		Expect(json.Valid(buf.Bytes())).To(BeFalse())
	})
})
