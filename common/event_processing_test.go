// Copyright 2022 The telemetrybus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 2)
	assert.Nil(err)

	type testStruct1 struct{ value int }

	rxChan := make(chan int, 4)
	block := make(chan bool)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			<-block
			rxChan <- p.(testStruct1).value
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: fill the buffer while the loop is held
	{
		assert.True(uut.TrySubmit(testStruct1{value: 1}))
		// Loop takes the first one and blocks; two more fill the buffer
		time.Sleep(time.Millisecond * 20)
		assert.True(uut.TrySubmit(testStruct1{value: 2}))
		assert.True(uut.TrySubmit(testStruct1{value: 3}))
		assert.False(uut.TrySubmit(testStruct1{value: 4}))
		useCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*20)
		assert.NotNil(uut.Submit(useCtxt, testStruct1{value: 4}))
		lclCancel()
	}

	// Case 2: release the loop
	{
		close(block)
		for i := 1; i <= 3; i++ {
			select {
			case v := <-rxChan:
				assert.Equal(i, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
	}

	// Case 3: stopped processor rejects tasks
	{
		assert.Nil(uut.StopEventLoop())
		assert.False(uut.TrySubmit(testStruct1{value: 5}))
		assert.NotNil(uut.Submit(context.Background(), testStruct1{value: 5}))
	}
}
