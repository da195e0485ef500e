package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ozontech/h2grpc/channel"
	"github.com/ozontech/h2grpc/reflection"
)

var printer = protojson.MarshalOptions{Multiline: true}

// caller делает один вызов метода любого вида и печатает ответы.
type caller struct {
	ch     *channel.Channel
	method reflection.Method
	out    io.Writer
	log    *zap.Logger
}

func (c *caller) call(ctx context.Context, reqs []proto.Message) error {
	service, name := c.method.Service(), c.method.Name()
	c.log.Debug("calling", zap.String("method", c.method.Path()), zap.Stringer("kind", c.method.Kind()))

	switch c.method.Kind() {
	case reflection.Unary:
		call, err := c.ch.Call(ctx, service, name, reqs[0])
		if err != nil {
			return err
		}
		resp := c.method.NewResponse()
		err = call.Wait(ctx, resp)
		c.logMetadata(call.Metadata())
		if err != nil {
			return err
		}
		return c.print(resp)

	case reflection.ServerStreaming:
		stream, err := c.ch.ServerStream(ctx, service, name, reqs[0])
		if err != nil {
			return err
		}
		err = c.recvAll(ctx, stream.RecvMsg)
		c.logMetadata(stream.Metadata())
		return err

	case reflection.ClientStreaming:
		stream, err := c.ch.ClientStream(ctx, service, name)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := stream.SendMsg(req); err != nil {
				break
			}
		}
		resp := c.method.NewResponse()
		err = stream.CloseAndRecv(ctx, resp)
		c.logMetadata(stream.Metadata())
		if err != nil {
			return err
		}
		return c.print(resp)

	case reflection.BidiStreaming:
		stream, err := c.ch.BidiStream(ctx, service, name)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := stream.SendMsg(req); err != nil {
				break
			}
		}
		stream.CloseSend()
		err = c.recvAll(ctx, stream.RecvMsg)
		c.logMetadata(stream.Metadata())
		return err
	}
	return fmt.Errorf("unsupported method kind %s", c.method.Kind())
}

func (c *caller) recvAll(ctx context.Context, recv func(context.Context, any) error) error {
	for {
		resp := c.method.NewResponse()
		err := recv(ctx, resp)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.print(resp); err != nil {
			return err
		}
	}
}

func (c *caller) print(msg proto.Message) error {
	b, err := printer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("printing response: %w", err)
	}
	b = append(b, '\n')
	_, err = c.out.Write(b)
	return err
}

func (c *caller) logMetadata(md metadata.MD) {
	if len(md) != 0 {
		c.log.Debug("server metadata", zap.Any("metadata", md))
	}
}
