package mail

import (
	"fmt"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
)

// Open builds the source selected by the mail section.
func Open(cfg config.MailConfig, logger *logging.Logger) (Source, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}
	switch cfg.Source {
	case config.SourceDir:
		return NewDirSource(cfg.Dir, logger), nil
	case config.SourceIMAP:
		return NewIMAPSource(IMAPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			Mailbox:  cfg.Mailbox,
			Timeout:  cfg.Timeout.Duration(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown mail source %q", cfg.Source)
	}
}
