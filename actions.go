package smtp

func (p *Protocol) doQuit(eventInput) outcome {
	p.reset()
	p.sendQuitOk()
	p.shutdown(nil)
	return proceed
}

func (p *Protocol) doUnknown(eventInput) outcome {
	p.sendUnrecognised()
	p.badClient()
	return proceed
}

func (p *Protocol) doNoop(eventInput) outcome {
	p.sendOk()
	return proceed
}

func (p *Protocol) doNotImplemented(eventInput) outcome {
	p.sendNotImplemented()
	return proceed
}

func (p *Protocol) doRset(eventInput) outcome {
	p.clear()
	p.sendRsetReply()
	return proceed
}

func (p *Protocol) doEhlo(in eventInput) outcome {
	_, arg := parseCmd(in.line)
	peerName, err := parseHelloArgument(arg)
	if err != nil {
		p.sendMissingParameter()
		return reject
	}
	p.peerName = peerName
	p.authenticated = false
	p.clear()
	p.sendEhloReply()
	return proceed
}

func (p *Protocol) doHelo(in eventInput) outcome {
	_, arg := parseCmd(in.line)
	peerName, err := parseHelloArgument(arg)
	if err != nil {
		p.sendMissingParameter()
		return reject
	}
	p.peerName = peerName
	p.clear()
	p.reply(250, p.text.Hello(peerName))
	return proceed
}

func (p *Protocol) doMail(in eventInput) outcome {
	if p.cfg.Disabled {
		p.sendDisabled()
		return reject
	}
	if !p.authenticated && p.sasl.Active() && !p.sasl.Trusted(p.peerAddress) {
		p.log.Warn("rejecting MAIL from unauthenticated client")
		p.sendAuthRequired()
		return reject
	}
	if !p.secure && p.cfg.MailRequiresEncryption {
		p.sendEncryptionRequired()
		return reject
	}

	cmd, err := parseMailFrom(in.line)
	if err != nil {
		p.sendBadFrom(err.Error())
		return reject
	}
	if p.cfg.MaxSize > 0 && cmd.size > p.cfg.MaxSize {
		p.sendTooBig()
		return reject
	}
	if cmd.utf8 && p.cfg.SMTPUTF8Strict && !(p.cfg.WithSMTPUTF8 && cmd.smtputf8) {
		p.sendBadFrom("smtputf8 required")
		return reject
	}
	switch cmd.body {
	case "", Body7Bit, Body8BitMIME:
	case BodyBinaryMIME:
		if !p.cfg.WithChunking {
			p.sendBadFrom("invalid body type")
			return reject
		}
	default:
		p.sendBadFrom("invalid body type")
		return reject
	}

	p.clear()
	info := FromInfo{
		Auth:        cmd.auth,
		Body:        cmd.body,
		Size:        cmd.size,
		SMTPUTF8:    cmd.smtputf8,
		UTF8Address: cmd.utf8,
	}
	if err := p.msg.SetFrom(cmd.address, info); err != nil {
		p.sendBadFrom(err.Error())
		return reject
	}
	p.smtputf8 = cmd.smtputf8
	p.sendOk()
	return proceed
}

func (p *Protocol) doRcpt(in eventInput) outcome {
	cmd, err := parseRcptTo(in.line)
	if err != nil {
		p.sendBadTo(err.Error(), false)
		return reject
	}
	if cmd.utf8 && p.cfg.SMTPUTF8Strict && !p.smtputf8 {
		p.sendBadTo("invalid character in mailbox name", false)
		return reject
	}
	p.rcptAddress = cmd.address
	p.verify("RCPT", cmd.address, p.msg.From())
	return proceed
}

func (p *Protocol) doVrfy(in eventInput) outcome {
	if !p.cfg.WithVrfy {
		p.sendCannotVrfy()
		return reject
	}
	to := parseVrfy(in.line)
	if to == "" {
		p.sendBadTo("invalid mailbox", false)
		return reject
	}
	p.verify("VRFY", to, "")
	return proceed
}

func (p *Protocol) verify(command, address, from string) {
	req := VerifyRequest{
		Command:     command,
		Address:     address,
		From:        from,
		PeerAddress: p.peerAddress,
		Helo:        p.peerName,
	}
	if p.sasl.Active() {
		req.Mechanism = p.sasl.Mechanism()
		req.AuthID = p.sasl.ID()
		if !p.authenticated {
			req.Mechanism = "NONE"
			req.AuthID = ""
		}
	}
	p.verifier.Verify(req, p.verifyCallback(command))
}

func (p *Protocol) verifyDone(command string, status VerifierStatus) {
	if status.Abort {
		p.log.Warn("address verifier abort")
		p.shutdown(ErrVerifierAbort)
		return
	}
	ev := EventRcptReply
	if command == "VRFY" {
		ev = EventVrfyReply
	}
	p.dispatch(ev, eventInput{status: status}, true)
}

func (p *Protocol) doVrfyReply(in eventInput) outcome {
	st := in.status
	switch {
	case st.Valid && st.Local:
		name := st.FullName
		if name == "" {
			name = st.Address
		}
		p.sendVerified(name)
	case st.Valid:
		p.sendWillAccept(st.Address)
	default:
		p.sendBadTo(st.Response, st.Temporary)
	}
	return proceed
}

func (p *Protocol) doRcptReply(in eventInput) outcome {
	st := in.status
	if !st.Valid {
		p.sendBadTo(st.Response, st.Temporary)
		return reject
	}

	to := ToInfo{
		Requested:   p.rcptAddress,
		Address:     st.Address,
		Local:       st.Local,
		FullName:    st.FullName,
		UTF8Address: styleOf(p.rcptAddress) == mailboxUTF8,
	}
	if to.Address == "" {
		to.Address = p.rcptAddress
	}
	if err := p.msg.AddTo(to); err != nil {
		p.sendBadTo(err.Error(), false)
		return reject
	}

	if st.Local {
		p.sendOk()
	} else {
		p.sendWillAccept(p.rcptAddress)
	}
	return proceed
}

func (p *Protocol) doNoRecipients(eventInput) outcome {
	p.sendNoRecipients()
	return proceed
}

func (p *Protocol) doDataFail(eventInput) outcome {
	p.sendBadDataOutOfSequence()
	p.badClient()
	return proceed
}

func (p *Protocol) addReceived() {
	line := p.text.Received(p.peerName, p.authenticated, p.secure, p.tlsProtocol, p.cipher)
	if line != "" {
		p.msg.AddReceived(line)
	}
}

func (p *Protocol) doData(eventInput) outcome {
	p.addReceived()
	p.contentErr = ContentOK
	p.midLine = false
	p.sendDataReply()
	return proceed
}

func (p *Protocol) doContent(in eventInput) outcome {
	if p.contentErr == ContentOK {
		if st := p.msg.AddContent(in.content); st != ContentOK {
			p.contentErr = st
		}
	}
	return proceed
}

func (p *Protocol) doEot(eventInput) outcome {
	p.log.Trace("rx<<: [message content not logged]")
	p.log.Trace("rx<<: \".\"")
	return p.submit()
}

// submit hands the message to the processor, or replies with the content
// error that stopped it.
func (p *Protocol) submit() outcome {
	if p.contentErr != ContentOK {
		if p.contentErr == ContentTooBig {
			p.sendTooBig()
		} else {
			p.sendContentError()
		}
		p.clear()
		return reject
	}
	p.startTimer()
	p.msg.Process(p.authID(), p.peerAddress, p.certificate, p.processCallback())
	return proceed
}

func (p *Protocol) doComplete(in eventInput) outcome {
	r := in.result
	if !r.OK {
		p.log.Infof("message processing failed: %s %s", r.Text, r.Reason)
	}
	p.clear()
	p.sendCompletionReply(r)
	return proceed
}

func (p *Protocol) doStartTLS(eventInput) outcome {
	if p.secure {
		p.sendOutOfSequence()
		p.badClient()
		return reject
	}
	p.sendReadyForTLS()
	p.sender.SecureNow()
	return proceed
}

func (p *Protocol) doSecure(eventInput) outcome {
	p.secure = true
	p.clear()
	return proceed
}
