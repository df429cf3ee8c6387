// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case chatError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	var cerr chatError
	if errors.As(err, &cerr) {
		return cerr.retriable
	}
	return false
}

// 会话注册表相关错误封装。
func WrapErrAlreadyOnline(nickname string, msg ...string) error {
	err := wrapFields(ErrAlreadyOnline, value("nickname", nickname))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionExists(id uint64) error {
	return wrapFields(ErrConnectionExists, value("conn", id))
}

func WrapErrConnectionNotFound(id uint64, msg ...string) error {
	err := wrapFields(ErrConnectionNotFound, value("conn", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAlreadyAuthenticated(id uint64, nickname string) error {
	return wrapFields(ErrAlreadyAuthenticated, value("conn", id), value("nickname", nickname))
}

func WrapErrNotAuthenticated(id uint64) error {
	return wrapFields(ErrNotAuthenticated, value("conn", id))
}

func WrapErrGroupAlreadyExists(group string) error {
	return wrapFields(ErrGroupAlreadyExists, value("group", group))
}

func WrapErrNoSuchGroup(group string, msg ...string) error {
	err := wrapFields(ErrNoSuchGroup, value("group", group))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAlreadyMember(group string, id uint64) error {
	return wrapFields(ErrAlreadyMember, value("group", group), value("conn", id))
}

func WrapErrNotMember(group string, id uint64) error {
	return wrapFields(ErrNotMember, value("group", group), value("conn", id))
}

// 存储相关错误封装。
func WrapErrStoreOpen(path string, err error) error {
	return wrapFieldsWithDesc(ErrStoreOpen, err.Error(), value("path", path))
}

func WrapErrStoreIO(op string, err error) error {
	return wrapFieldsWithDesc(ErrStoreIO, err.Error(), value("op", op))
}

func WrapErrUserNotFound(username string) error {
	return wrapFields(ErrUserNotFound, value("user", username))
}

// 参数相关错误封装。
func WrapErrParameterInvalidRange[T any](lower, upper, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		bound("value", actual, lower, upper),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 网络相关错误封装。
func WrapErrConnClosed(id uint64) error {
	return wrapFields(ErrConnClosed, value("conn", id))
}

func WrapErrSetup(stage string, err error) error {
	return wrapFieldsWithDesc(ErrSetup, err.Error(), value("stage", stage))
}

func WrapErrOperationNotSupported(op string) error {
	return wrapFields(ErrOperationNotSupported, value("op", op))
}

func wrapFields(err chatError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	return err
}

func wrapFieldsWithDesc(err chatError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
