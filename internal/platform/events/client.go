package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/payoffsolar/api/internal/platform/config"
)

// OpenPubSub creates the client used for order events. With an emulator host
// the client connects without credentials.
func OpenPubSub(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("events: pubsub project id is required")
	}
	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: create pubsub client: %w", err)
	}
	return client, nil
}
