// Package statemachine decides order status transitions and the channel calls
// they imply. It performs no I/O.
package statemachine

import (
	"fmt"

	"orderhub/internal/model"
)

// TargetConfirmPreorder is a pseudo target that moves the preorder flag
// without touching the main status.
const TargetConfirmPreorder model.Status = "CONFIRM_PREORDER"

// Origin says who asked for the transition.
type Origin int

const (
	// OriginMerchant requests come from a restaurant client and must be
	// mirrored to the channel.
	OriginMerchant Origin = iota
	// OriginChannel requests report something the channel already did.
	OriginChannel
)

type CommandKind string

const (
	CmdAccept          CommandKind = "accept"
	CmdReady           CommandKind = "ready"
	CmdDeliver         CommandKind = "deliver"
	CmdReject          CommandKind = "reject"
	CmdConfirmPreorder CommandKind = "confirm_preorder"
)

// Command is a side effect to run against the originating channel.
type Command struct {
	Kind              CommandKind
	Status            model.Status
	Reason            string
	PreparedInMinutes int
}

type Request struct {
	Target            model.Status
	Origin            Origin
	Reason            string
	PreparedInMinutes int
}

// Decision is the outcome of Decide. When Changed is false the stored order
// must be left untouched; Warning explains why when the request was refused.
type Decision struct {
	Status         model.Status
	PreorderStatus model.PreorderStatus
	Changed        bool
	Commands       []Command
	Warning        string
}

// Rules holds the per-channel differences in the transition table.
type Rules struct {
	// PickupNeedsDriverSignal requires PICK_UP_COMPLETED_BY_DRIVER before a
	// pickup order may be marked DELIVERED.
	PickupNeedsDriverSignal bool
	// DeliveryReportedByChannel means the channel has no call for DELIVERED;
	// the merchant's change is stored without a deliver command.
	DeliveryReportedByChannel bool
}

var channelRules = map[model.Channel]Rules{
	model.ChannelNative:       {},
	model.ChannelMarketplaceA: {PickupNeedsDriverSignal: true},
	model.ChannelMarketplaceB: {DeliveryReportedByChannel: true},
}

// RulesFor returns the transition rules of a channel.
func RulesFor(c model.Channel) Rules { return channelRules[c] }

// Decide computes the next state of o for the request.
func Decide(o model.Order, req Request) Decision {
	cur := o.Status
	d := Decision{Status: cur}
	if o.Preorder != nil {
		d.PreorderStatus = o.Preorder.Status
	}

	if cur.Terminal() {
		if req.Target != cur {
			d.Warning = fmt.Sprintf("order is %s; ignoring %s", cur, req.Target)
		}
		return d
	}

	if req.Target == TargetConfirmPreorder {
		return confirmPreorder(o, req, d)
	}
	if req.Target == cur {
		return d
	}

	if req.Target == model.StatusRejected {
		if cur != model.StatusPending && cur != model.StatusInProgress {
			d.Warning = fmt.Sprintf("cannot reject a %s order", cur)
			return d
		}
		if req.Origin == OriginMerchant && req.Reason == "" {
			d.Warning = "reject requires a reason"
			return d
		}
		d.Status = model.StatusRejected
		d.Changed = true
		d.emit(req, Command{Kind: CmdReject, Status: model.StatusRejected, Reason: req.Reason})
		return d
	}

	if !allowed(o, cur, req) {
		d.Warning = fmt.Sprintf("illegal transition %s -> %s (%s, %s)", cur, req.Target, o.Channel, o.DeliveryType)
		return d
	}
	d.Status = req.Target
	d.Changed = true
	switch req.Target {
	case model.StatusInProgress:
		d.emit(req, Command{Kind: CmdAccept, Status: req.Target, PreparedInMinutes: req.PreparedInMinutes})
	case model.StatusCompleted:
		d.emit(req, Command{Kind: CmdReady, Status: req.Target})
	case model.StatusDelivered:
		if !RulesFor(o.Channel).DeliveryReportedByChannel {
			d.emit(req, Command{Kind: CmdDeliver, Status: req.Target})
		}
	}
	return d
}

func (d *Decision) emit(req Request, c Command) {
	if req.Origin == OriginMerchant {
		d.Commands = append(d.Commands, c)
	}
}

func allowed(o model.Order, cur model.Status, req Request) bool {
	target := req.Target
	if target.Rank() < 0 {
		return false
	}
	if req.Origin == OriginChannel {
		// Channels may skip intermediate webhooks, but the delivery rule
		// still has to hold for the final step.
		if target.Rank() <= cur.Rank() {
			return false
		}
		if target == model.StatusDelivered {
			return o.DeliveryType != model.DeliveryDelivery || cur.Rank() >= model.StatusCompleted.Rank()
		}
		return true
	}
	switch target {
	case model.StatusInProgress:
		return cur == model.StatusPending
	case model.StatusCompleted:
		return cur == model.StatusInProgress
	case model.StatusPickupCompletedByDriver:
		return cur == model.StatusCompleted
	case model.StatusDelivered:
		if o.DeliveryType == model.DeliveryDelivery || RulesFor(o.Channel).PickupNeedsDriverSignal {
			return cur == model.StatusPickupCompletedByDriver
		}
		return cur == model.StatusCompleted || cur == model.StatusPickupCompletedByDriver
	}
	return false
}

func confirmPreorder(o model.Order, req Request, d Decision) Decision {
	if !o.IsWaitingPreorder() {
		if o.Preorder == nil || o.Preorder.Status != model.PreorderConfirmed {
			d.Warning = "order is not a waiting preorder"
		}
		return d
	}
	d.PreorderStatus = model.PreorderConfirmed
	d.Changed = true
	d.emit(req, Command{Kind: CmdConfirmPreorder, Status: o.Status})
	return d
}

// Apply returns a copy of o with the decision's state written into it.
func Apply(o model.Order, d Decision) model.Order {
	if !d.Changed {
		return o
	}
	o.Status = d.Status
	if o.Preorder != nil && d.PreorderStatus != "" {
		p := *o.Preorder
		p.Status = d.PreorderStatus
		o.Preorder = &p
	}
	return o
}
