package trade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
)

// handleSealedMessage opens an inbound envelope and routes the trade message
// to the protocol of its trade. Anything that can't be opened or verified is
// dropped.
func (s *Service) handleSealedMessage(env domain.PrefixedSealedAndSignedMessage) {
	logger := log.WithFields(log.Fields{
		"peer": env.SenderNodeAddress,
		"uid":  env.UID,
	})

	decrypted, err := s.sealer.DecryptAndVerify(&env.SealedAndSigned)
	if err != nil {
		logger.WithError(err).Warn("dropping sealed message")
		return
	}

	msg, err := s.codec.DecodeTradeMessage(decrypted.Payload)
	if err != nil {
		logger.WithError(err).Warn("dropping malformed trade message")
		return
	}
	if msg.GetTradeID() == "" || msg.GetUID() == "" {
		logger.Warn("dropping trade message with missing header fields")
		return
	}
	if msg.GetUID() != env.UID {
		logger.Warnf("dropping trade message with mismatching uid %s", msg.GetUID())
		return
	}

	logger = logger.WithFields(log.Fields{
		"trade": msg.GetTradeID(),
		"type":  msg.Type(),
	})

	switch m := msg.(type) {
	case domain.AckMessage:
		s.handleAck(m, decrypted.SignaturePubKey)
		return
	case domain.PayDepositRequest:
		s.handlePayDepositRequest(m, decrypted.SignaturePubKey)
		return
	}

	p, ok := s.protocols[msg.GetTradeID()]
	if !ok {
		s.handleMessageForInactiveTrade(msg, decrypted.SignaturePubKey, logger)
		return
	}
	if !bytes.Equal(
		decrypted.SignaturePubKey, p.trade.TradingPeer.PubKeyRing.SignaturePubKey,
	) {
		logger.WithError(ErrUnexpectedSigner).Warn("dropping trade message")
		return
	}
	if p.trade.HasProcessed(msg.GetUID()) {
		logger.Debug("message already processed")
		s.reAck(p.trade, msg)
		return
	}

	p.updatePeerAddress(msg.GetSender())

	p.handleMessage(msg, func(err error) {
		if errors.Is(err, ErrServiceStopped) {
			return
		}
		if err == nil {
			p.trade.MarkProcessed(msg.GetUID())
			p.commit()
		} else {
			logger.WithError(err).Warn("failed to process trade message")
		}

		peer := p.trade.TradingPeer
		s.sendAck(p.trade.ID, peer.NodeAddress, peer.PubKeyRing, msg, err)
	})
}

// handleMessageForInactiveTrade acknowledges again the redelivered messages
// of a terminated trade, the sender keeps them in its mailbox until then.
func (s *Service) handleMessageForInactiveTrade(
	msg domain.TradeMessage, signer []byte, logger *log.Entry,
) {
	t, err := s.repoManager.TradeRepository().GetTrade(s.ctx, msg.GetTradeID())
	if err != nil {
		logger.Debug("no trade in progress for message, dropping")
		return
	}
	if !bytes.Equal(signer, t.TradingPeer.PubKeyRing.SignaturePubKey) {
		logger.WithError(ErrUnexpectedSigner).Warn("dropping trade message")
		return
	}
	if !t.HasProcessed(msg.GetUID()) {
		logger.Debug("trade is terminated, dropping message")
		return
	}
	s.reAck(t, msg)
}

// reAck confirms again a mailbox message already processed, in case the
// first ack got lost.
func (s *Service) reAck(t *domain.Trade, msg domain.TradeMessage) {
	if !msg.Type().IsMailbox() {
		return
	}
	peer := t.TradingPeer
	s.sendAck(t.ID, peer.NodeAddress, peer.PubKeyRing, msg, nil)
}

func (s *Service) handleAck(msg domain.AckMessage, signer []byte) {
	logger := log.WithFields(log.Fields{
		"trade": msg.TradeID,
		"uid":   msg.SourceUID,
	})

	var tradingPeer domain.TradingPeer
	if p, ok := s.protocols[msg.TradeID]; ok {
		tradingPeer = p.trade.TradingPeer
	} else {
		t, err := s.repoManager.TradeRepository().GetTrade(s.ctx, msg.TradeID)
		if err != nil {
			logger.WithError(err).Debug("dropping ack for unknown trade")
			return
		}
		tradingPeer = t.TradingPeer
	}
	if !bytes.Equal(signer, tradingPeer.PubKeyRing.SignaturePubKey) {
		logger.WithError(ErrUnexpectedSigner).Warn("dropping ack")
		return
	}

	if !msg.Success {
		logger.Warnf(
			"peer failed to process %s: %s", msg.SourceType, msg.ErrorMessage,
		)
	} else {
		logger.Debugf("peer processed %s", msg.SourceType)
	}

	if !msg.SourceType.IsMailbox() {
		return
	}
	if err := s.mailbox.Acknowledge(s.ctx, msg.TradeID, msg.SourceUID); err != nil &&
		!errors.Is(err, domain.ErrMailboxItemNotFound) {
		logger.WithError(err).Warn("failed to remove acknowledged mailbox item")
	}
}

// sealMessage encodes the trade message, signs it and seals it to the
// recipient.
func (s *Service) sealMessage(
	recipient keyring.PubKeyRing, msg domain.TradeMessage,
) (*domain.PrefixedSealedAndSignedMessage, error) {
	payload, err := s.codec.EncodeTradeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	sealed, err := s.sealer.EncryptAndSign(recipient, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", msg.Type(), err)
	}
	return &domain.PrefixedSealedAndSignedMessage{
		SenderNodeAddress: s.node.NodeAddress(),
		SealedAndSigned:   *sealed,
		UID:               msg.GetUID(),
	}, nil
}

// sendMessage delivers the message in background and reports the outcome
// on the loop. Mailbox messages go through the mailbox service, the others
// are sent directly with up to attempts tries.
func (s *Service) sendMessage(
	tradeID string, peer domain.NodeAddress, recipient keyring.PubKeyRing,
	msg domain.TradeMessage, attempts int, onResult func(err error),
) error {
	if s.ctx.Err() != nil {
		return ErrServiceStopped
	}

	env, err := s.sealMessage(recipient, msg)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"trade": tradeID,
		"peer":  peer,
		"type":  msg.Type(),
	})
	ctx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var err error
		if msg.Type().IsMailbox() {
			result, sendErr := s.mailbox.Send(ctx, peer, recipient, tradeID, *env)
			if sendErr == nil {
				logger.Debugf("message %s: %s", env.UID, result)
			}
			err = sendErr
		} else {
			err = s.sendDirect(ctx, peer, env, attempts)
			if err == nil {
				logger.Debugf("message %s arrived", env.UID)
			}
		}

		if onResult != nil {
			s.loop.Execute(func() { onResult(err) })
		}
	}()
	return nil
}

func (s *Service) sendDirect(
	ctx context.Context, peer domain.NodeAddress,
	env *domain.PrefixedSealedAndSignedMessage, attempts int,
) error {
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		_, err := s.node.SendMessage(sendCtx, peer, env)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}

		log.WithError(err).Debugf(
			"failed to send message %s to %s (attempt %d/%d)",
			env.UID, peer, attempt, attempts,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

// sendAck notifies the sender about the outcome of processing its message.
// Acks are best effort.
func (s *Service) sendAck(
	tradeID string, peer domain.NodeAddress, recipient keyring.PubKeyRing,
	source domain.TradeMessage, procErr error,
) {
	ack := domain.AckMessage{
		MessageHeader: newMessageHeader(tradeID, s.node.NodeAddress()),
		SourceUID:     source.GetUID(),
		SourceType:    source.Type(),
		Success:       procErr == nil,
	}
	if procErr != nil {
		ack.ErrorMessage = procErr.Error()
	}

	if err := s.sendMessage(
		tradeID, peer, recipient, ack, 1, func(err error) {
			if err != nil {
				log.WithError(err).WithField("trade", tradeID).Debug("failed to send ack")
			}
		},
	); err != nil {
		log.WithError(err).WithField("trade", tradeID).Warn("failed to seal ack")
	}
}
